// internal/puzzle/phase.go
package puzzle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/jason-s-yu/escaperoom/internal/timer"
	"github.com/jason-s-yu/escaperoom/internal/trigger"
	"github.com/sirupsen/logrus"
)

// Phases advances gamePhase. Every transition is a one-shot event keyed by the
// phase it leaves, so the phase never decreases and never skips.
type Phases struct {
	store  store.Store
	firer  *trigger.Firer
	timers *timer.Service
	log    logrus.FieldLogger
}

// NewPhases returns a phase controller.
func NewPhases(s store.Store, firer *trigger.Firer, timers *timer.Service, log logrus.FieldLogger) *Phases {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Phases{store: s, firer: firer, timers: timers, log: log}
}

// AdvanceEvent is the one-shot event guarding the transition out of from.
func AdvanceEvent(from models.Phase) trigger.Event {
	return trigger.Sent(fmt.Sprintf("phaseAdvance/%d", int(from)))
}

// Current reads gamePhase.
func (p *Phases) Current(ctx context.Context, code string) (models.Phase, error) {
	v, err := p.store.Get(ctx, store.LobbyPath(code, "gamePhase"))
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, lobby.ErrLobbyNotFound
	}
	f, _ := v.(float64)
	return models.Phase(f), nil
}

// Advance moves the lobby from `from` to the next phase. The new phase and the
// transition's flag are written in one transaction on the lobby root, so a failed
// write leaves the lobby in `from` and the call can simply be repeated. Calls made
// from any other phase, and every call after the first, are no-ops. Entering the
// login stage starts the countdown and escaping freezes it.
func (p *Phases) Advance(ctx context.Context, code string, from models.Phase) (bool, error) {
	if from >= models.PhaseEscaped {
		return false, nil
	}
	current, err := p.Current(ctx, code)
	if err != nil {
		return false, err
	}
	if current != from {
		return false, nil
	}

	to := from + 1
	advanced, err := p.firer.FireWith(ctx, code, AdvanceEvent(from), true, func(root map[string]any) error {
		if phaseOf(root) != from {
			return store.ErrAbort
		}
		root["gamePhase"] = int(to)
		return nil
	})
	if err != nil || !advanced {
		return false, err
	}
	p.log.WithFields(logrus.Fields{"lobby": code, "phase": to.String()}).Infof("phase advanced")
	return true, p.onEnter(ctx, code, to)
}

// Settle finishes the entry work of the phase root is in when the transition
// committed but its follow-up did not: the countdown runs from the login stage on
// and is frozen once the room is escaped.
func (p *Phases) Settle(ctx context.Context, code string, root map[string]any) error {
	if p.timers == nil {
		return nil
	}
	phase := phaseOf(root)
	started, _ := store.ChildOf(root, "timer/hasStarted").(bool)
	running, _ := store.ChildOf(root, "timer/isRunning").(bool)
	switch {
	case phase >= models.PhaseLogin && phase < models.PhaseEscaped && !started:
		return p.onEnter(ctx, code, models.PhaseLogin)
	case phase >= models.PhaseEscaped && running:
		return p.onEnter(ctx, code, models.PhaseEscaped)
	}
	return nil
}

func (p *Phases) onEnter(ctx context.Context, code string, phase models.Phase) error {
	if p.timers == nil {
		return nil
	}
	switch phase {
	case models.PhaseLogin:
		_, err := p.timers.Start(ctx, code, 0)
		return err
	case models.PhaseEscaped:
		_, err := p.timers.Pause(ctx, code)
		if errors.Is(err, timer.ErrNoTimer) {
			return nil
		}
		return err
	}
	return nil
}
