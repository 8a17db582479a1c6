// internal/channel/config.go
package channel

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/jason-s-yu/escaperoom/internal/models"
)

// Filter restricts which characters a channel accepts.
type Filter int

const (
	FilterAny Filter = iota
	FilterDigits
	FilterLetters
)

// Allow reports whether r passes the filter.
func (f Filter) Allow(r rune) bool {
	switch f {
	case FilterDigits:
		return r >= '0' && r <= '9'
	case FilterLetters:
		return unicode.IsLetter(r)
	default:
		return unicode.IsPrint(r)
	}
}

// PenaltyPolicy decides when a failed submission costs time. Seconds of zero disables it.
type PenaltyPolicy struct {
	Seconds int
	// FromAttempt is the first failed attempt, counting from 1, that is penalized.
	FromAttempt int
}

// Applies reports whether the given failed attempt number is penalized.
func (p PenaltyPolicy) Applies(attempt int) bool {
	if p.Seconds <= 0 {
		return false
	}
	from := p.FromAttempt
	if from < 1 {
		from = 1
	}
	return attempt >= from
}

// Config parameterizes one puzzle's input channel.
type Config struct {
	// Name identifies the puzzle in logs and audit records.
	Name string
	// Key is the subtree under the lobby root holding the InputState.
	Key string

	MaxLength int
	Filter    Filter
	// Upper folds letters to upper case before they are stored.
	Upper bool

	// Fields lists named sub-inputs. Empty means the channel types into Value.
	Fields []string

	// AutoSubmit submits as soon as Value reaches MaxLength.
	AutoSubmit bool

	Validate   func(in models.InputState) bool
	ErrorText  string
	ClearDelay time.Duration
	Penalty    PenaltyPolicy

	// SolvedFlag is an extra boolean written next to solved, for clients that
	// watch a puzzle-specific name such as "unlocked".
	SolvedFlag string

	// Locked reports whether the puzzle is not reachable yet given the lobby root.
	Locked func(root map[string]any) bool

	OnSolved func(ctx context.Context, code string) error
	OnFailed func(ctx context.Context, code string, attempts int) error
}

// ExactMatch returns a validator comparing Value with answer.
func ExactMatch(answer string) func(models.InputState) bool {
	return func(in models.InputState) bool {
		return in.Value == answer
	}
}

// FieldsMatch returns a validator comparing each named field with its expected value.
func FieldsMatch(want map[string]string) func(models.InputState) bool {
	return func(in models.InputState) bool {
		for k, v := range want {
			if in.Fields[k] != v {
				return false
			}
		}
		return true
	}
}

func (c Config) hasField(name string) bool {
	for _, f := range c.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// accept filters raw input down to the characters this channel stores.
func (c Config) accept(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if !c.Filter.Allow(r) {
			continue
		}
		if c.Upper {
			r = unicode.ToUpper(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
