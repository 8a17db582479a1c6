package models

// ActionRecord is one applied client intent, queued for the historian.
type ActionRecord struct {
	Lobby         string                 `json:"lobby"`
	ActionIndex   int64                  `json:"action_index"`
	ActorID       string                 `json:"actor_id"`
	ActionType    string                 `json:"action_type"`
	ActionPayload map[string]interface{} `json:"action_payload"`
	Applied       bool                   `json:"applied"`
	Timestamp     int64                  `json:"timestamp"`
}

// Outcome summarizes a finished game for the archive.
type Outcome struct {
	Lobby            string   `json:"lobby"`
	Result           string   `json:"result"`
	Players          []string `json:"players"`
	Leader           string   `json:"leader,omitempty"`
	RemainingSeconds int      `json:"remainingSeconds"`
	Penalties        int      `json:"penalties"`
	StartedAt        int64    `json:"startedAt"`
	FinishedAt       int64    `json:"finishedAt"`
}

// Outcome results.
const (
	ResultEscaped   = "escaped"
	ResultTimeUp    = "time_up"
	ResultAbandoned = "abandoned"
)
