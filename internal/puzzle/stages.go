// internal/puzzle/stages.go
package puzzle

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/escaperoom/internal/channel"
	"github.com/jason-s-yu/escaperoom/internal/chat"
	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/jason-s-yu/escaperoom/internal/timer"
	"github.com/jason-s-yu/escaperoom/internal/trigger"
	"github.com/sirupsen/logrus"
)

// One-shot events raised by the stages.
var (
	HackerFirstMessage  = trigger.Sent("hackerFirstMessage")
	FirewallUnlockAudio = trigger.Played("firewallUnlockAudio")
	KeypadUnlockAudio   = trigger.Played("keypadUnlockAudio")
)

// Deps are the services the stages write through.
type Deps struct {
	Store  store.Store
	Clock  clock.Clock
	Timers *timer.Service
	Firer  *trigger.Firer
	Feed   *chat.Feed
	Script chat.Script
	Log    logrus.FieldLogger
}

// Stages wires the three puzzles of the room together with the phase machine,
// the desktop and the file browser.
type Stages struct {
	deps  Deps
	opts  Options
	log   logrus.FieldLogger
	clock clock.Clock

	Phases   *Phases
	Desktop  *Desktop
	Files    *Files
	Login    *channel.Channel
	Firewall *channel.Channel
	Keypad   *channel.Channel
}

// NewStages builds the puzzles described by opts.
func NewStages(deps Deps, opts Options) *Stages {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Firer == nil {
		deps.Firer = trigger.NewFirer(deps.Store, deps.Log)
	}
	if deps.Timers == nil {
		deps.Timers = timer.NewService(deps.Store, deps.Clock, deps.Log)
	}
	if deps.Feed == nil {
		deps.Feed = chat.NewFeed(deps.Store, deps.Log)
	}

	s := &Stages{deps: deps, opts: opts, log: deps.Log, clock: deps.Clock}
	s.Phases = NewPhases(deps.Store, deps.Firer, deps.Timers, deps.Log)
	s.Desktop = NewDesktop(deps.Store, deps.Log)
	s.Files = NewFiles(deps.Store, deps.Clock, DefaultTree(), s.Phases, deps.Log)
	s.Login = channel.New(s.loginConfig(), deps.Store, deps.Clock, deps.Timers, deps.Log)
	s.Firewall = channel.New(s.firewallConfig(), deps.Store, deps.Clock, deps.Timers, deps.Log)
	s.Keypad = channel.New(s.keypadConfig(), deps.Store, deps.Clock, deps.Timers, deps.Log)
	return s
}

// Channel returns the input channel of the named puzzle.
func (s *Stages) Channel(name string) (*channel.Channel, bool) {
	switch name {
	case Login:
		return s.Login, true
	case Firewall:
		return s.Firewall, true
	case Keypad:
		return s.Keypad, true
	}
	return nil, false
}

// Close stops every scheduled clear.
func (s *Stages) Close() {
	s.Login.Close()
	s.Firewall.Close()
	s.Keypad.Close()
}

func (s *Stages) loginConfig() channel.Config {
	a := s.opts.Answers
	return channel.Config{
		Name:       Login,
		Key:        LoginKey,
		MaxLength:  32,
		Filter:     channel.FilterAny,
		Fields:     []string{"username", "password"},
		Validate:   channel.FieldsMatch(map[string]string{"username": a.Username, "password": a.Password}),
		ErrorText:  LoginError,
		ClearDelay: s.opts.LoginClearDelay,
		Penalty:    s.opts.Policies.Login,
		Locked: func(root map[string]any) bool {
			return phaseOf(root) != models.PhaseLogin
		},
		OnSolved: s.loginSolved,
		OnFailed: s.loginFailed,
	}
}

func (s *Stages) firewallConfig() channel.Config {
	code := s.opts.Answers.FirewallCode
	return channel.Config{
		Name:       Firewall,
		Key:        FirewallKey,
		MaxLength:  len(code),
		Filter:     channel.FilterDigits,
		Validate:   channel.ExactMatch(code),
		ErrorText:  FirewallError,
		ClearDelay: s.opts.FirewallClearDelay,
		Penalty:    s.opts.Policies.Firewall,
		SolvedFlag: "active",
		Locked: func(root map[string]any) bool {
			return phaseOf(root) != models.PhaseDesktop
		},
		OnSolved: s.firewallSolved,
	}
}

func (s *Stages) keypadConfig() channel.Config {
	code := s.opts.Answers.KeypadCode
	return channel.Config{
		Name:       Keypad,
		Key:        KeypadKey,
		MaxLength:  len(code),
		Filter:     channel.FilterDigits,
		AutoSubmit: true,
		Validate:   channel.ExactMatch(code),
		ErrorText:  KeypadError,
		ClearDelay: s.opts.KeypadClearDelay,
		Penalty:    s.opts.Policies.Keypad,
		SolvedFlag: "unlocked",
		Locked: func(root map[string]any) bool {
			return phaseOf(root) != models.PhaseDesktop || !solved(root, FirewallKey)
		},
		OnSolved: s.keypadSolved,
	}
}

// loginFailed shows the failure on every terminal and, on the first miss, lets
// the hacker introduce themselves.
func (s *Stages) loginFailed(ctx context.Context, code string, attempts int) error {
	msg := models.AuthMessage{Text: LoginError, Timestamp: clock.Millis(s.clock.Now())}
	if attempts >= LoginHintAttempt {
		msg.Hint = LoginHint
	}
	if err := updateIfExists(ctx, s.deps.Store, code, map[string]any{
		"loginFailed": true,
		"authMessage": msg,
	}); err != nil {
		return err
	}
	_, err := s.deps.Firer.FireWith(ctx, code, HackerFirstMessage, true, s.post(s.deps.Script.First()))
	return err
}

// post returns an edit that appends msg to the hacker chat.
func (s *Stages) post(msg models.ChatMessage) trigger.Edit {
	return func(root map[string]any) error {
		_, err := s.deps.Feed.Append(root, msg, s.clock.Now())
		return err
	}
}

func (s *Stages) loginSolved(ctx context.Context, code string) error {
	msg := models.AuthMessage{Text: LoginSuccess, Success: true, Timestamp: clock.Millis(s.clock.Now())}
	if err := updateIfExists(ctx, s.deps.Store, code, map[string]any{"authMessage": msg}); err != nil {
		return err
	}
	if _, err := s.Phases.Advance(ctx, code, models.PhaseLogin); err != nil {
		return fmt.Errorf("advance past login: %w", err)
	}
	return nil
}

func (s *Stages) firewallSolved(ctx context.Context, code string) error {
	_, err := s.deps.Firer.FireWith(ctx, code, FirewallUnlockAudio, true, s.post(s.deps.Script.FirewallDrop()))
	return err
}

func (s *Stages) keypadSolved(ctx context.Context, code string) error {
	_, err := s.deps.Firer.FireWith(ctx, code, KeypadUnlockAudio, true, nil)
	return err
}

// Settle re-derives what a solved puzzle still owes the lobby in root: the move
// past login, the unlock cues with the hacker's drop, and the countdown work of
// the current phase. Each step is a transaction that is a no-op once done, so any
// session may call it on every snapshot.
func (s *Stages) Settle(ctx context.Context, code string, root map[string]any) error {
	if solved(root, LoginKey) && phaseOf(root) == models.PhaseLogin {
		if ok, _ := store.ChildOf(root, "authMessage/success").(bool); !ok {
			if err := s.loginSolved(ctx, code); err != nil {
				return err
			}
		} else if _, err := s.Phases.Advance(ctx, code, models.PhaseLogin); err != nil {
			return fmt.Errorf("advance past login: %w", err)
		}
	}
	if solved(root, FirewallKey) && !FirewallUnlockAudio.DoneIn(root) {
		if err := s.firewallSolved(ctx, code); err != nil {
			return err
		}
	}
	if solved(root, KeypadKey) && !KeypadUnlockAudio.DoneIn(root) {
		if err := s.keypadSolved(ctx, code); err != nil {
			return err
		}
	}
	return s.Phases.Settle(ctx, code, root)
}
