// internal/puzzle/definitions.go
package puzzle

import (
	"time"

	"github.com/jason-s-yu/escaperoom/internal/channel"
)

// Store keys of the puzzle subtrees.
const (
	LoginKey    = "leaderInput"
	FirewallKey = "firewallState"
	KeypadKey   = "keypadState"
)

// Puzzle names used by commands and audit records.
const (
	Login    = "login"
	Firewall = "firewall"
	Keypad   = "keypad"
)

// LoginHintAttempt is the failed login after which the terminal shows a hint.
const LoginHintAttempt = 3

// Answers are the solutions of each stage.
type Answers struct {
	Username     string
	Password     string
	FirewallCode string
	KeypadCode   string
}

// DefaultAnswers returns the solutions of the TOMAX scenario.
func DefaultAnswers() Answers {
	return Answers{
		Username:     "sysadmin",
		Password:     "F1r3w4ll#2023",
		FirewallCode: "876",
		KeypadCode:   "2004",
	}
}

// Policies set when a wrong entry costs time, per puzzle.
type Policies struct {
	Login    channel.PenaltyPolicy
	Firewall channel.PenaltyPolicy
	Keypad   channel.PenaltyPolicy
}

// DefaultPolicies keeps the login lenient on the first miss and penalizes every firewall miss.
func DefaultPolicies() Policies {
	return Policies{
		Login:    channel.PenaltyPolicy{Seconds: 120, FromAttempt: 2},
		Firewall: channel.PenaltyPolicy{Seconds: 120, FromAttempt: 1},
	}
}

// Options configure every stage.
type Options struct {
	Answers  Answers
	Policies Policies

	LoginClearDelay    time.Duration
	FirewallClearDelay time.Duration
	KeypadClearDelay   time.Duration
}

// DefaultOptions returns the production configuration.
func DefaultOptions() Options {
	return Options{
		Answers:            DefaultAnswers(),
		Policies:           DefaultPolicies(),
		LoginClearDelay:    2 * time.Second,
		FirewallClearDelay: 1500 * time.Millisecond,
		KeypadClearDelay:   time.Second,
	}
}

// Messages shown by the stages.
const (
	LoginError    = "Authentication failed"
	LoginHint     = "HINT: Check the page source and Elements tab in Dev Tools (F12)"
	LoginSuccess  = "Access granted to TOMAX mainframe"
	FirewallError = "ACCESS DENIED: invalid override code"
	KeypadError   = "Invalid code. Try again."
)
