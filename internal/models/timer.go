package models

// Timer is the shared countdown. Observers derive remaining time from
// StartTime and Duration while it runs; RemainingTime is only meaningful when paused.
type Timer struct {
	Duration      int     `json:"duration"`
	RemainingTime int     `json:"remainingTime"`
	StartTime     int64   `json:"startTime,omitempty"`
	IsRunning     bool    `json:"isRunning"`
	HasStarted    bool    `json:"hasStarted"`
	Penalty       Penalty `json:"penalty"`
}

// Penalty records the last deduction and how many have been applied.
type Penalty struct {
	Active          bool   `json:"active"`
	Amount          int    `json:"amount,omitempty"`
	FormattedAmount string `json:"formattedAmount,omitempty"`
	Count           int    `json:"count"`
	LastApplied     int64  `json:"lastApplied,omitempty"`
	TimeRemaining   int    `json:"timeRemaining,omitempty"`
}
