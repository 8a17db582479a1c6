// internal/timer/service.go
package timer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTimerNotRunning is a soft failure: the penalty was not applied.
	ErrTimerNotRunning = errors.New("timer: not running")

	// ErrNoTimer means the lobby has no timer node, usually because it was destroyed.
	ErrNoTimer = errors.New("timer: lobby has no timer")
)

// Service performs every timer mutation as a single transaction on lobbies/{code}/timer.
type Service struct {
	store store.Store
	clock clock.Clock
	log   logrus.FieldLogger
}

// NewService returns a timer service writing to s.
func NewService(s store.Store, c clock.Clock, log logrus.FieldLogger) *Service {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{store: s, clock: c, log: log}
}

func timerPath(code string) string {
	return store.LobbyPath(code, "timer")
}

// Get decodes the current timer.
func (s *Service) Get(ctx context.Context, code string) (models.Timer, error) {
	var t models.Timer
	v, err := s.store.Get(ctx, timerPath(code))
	if err != nil {
		return t, err
	}
	if v == nil {
		return t, ErrNoTimer
	}
	err = store.Decode(v, &t)
	return t, err
}

// mutate runs fn on the decoded timer inside a transaction. fn returns store.ErrAbort
// to leave the timer untouched. The returned bool reports whether a write happened.
func (s *Service) mutate(ctx context.Context, code string, fn func(t *models.Timer) error) (models.Timer, bool, error) {
	var out models.Timer
	var missing bool
	v, committed, err := s.store.Transact(ctx, timerPath(code), func(current any) (any, error) {
		missing = current == nil
		if missing {
			return nil, store.ErrAbort
		}
		var t models.Timer
		if err := store.Decode(current, &t); err != nil {
			return nil, err
		}
		if err := fn(&t); err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return out, false, err
	}
	if missing {
		return out, false, ErrNoTimer
	}
	if err := store.Decode(v, &out); err != nil {
		return out, committed, err
	}
	return out, committed, nil
}

// Start moves the timer from NotStarted to Running exactly once. Later calls, even
// racing ones, see hasStarted and return false.
func (s *Service) Start(ctx context.Context, code string, durationSeconds int) (bool, error) {
	now := clock.Millis(s.clock.Now())
	_, started, err := s.mutate(ctx, code, func(t *models.Timer) error {
		if t.HasStarted {
			return store.ErrAbort
		}
		if durationSeconds > 0 {
			t.Duration = durationSeconds
		}
		t.StartTime = now
		t.IsRunning = true
		t.HasStarted = true
		t.RemainingTime = t.Duration
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("start timer for %s: %w", code, err)
	}
	if started {
		s.log.WithField("lobby", code).Infof("timer started")
	}
	return started, nil
}

// Pause freezes the remaining time into remainingTime.
func (s *Service) Pause(ctx context.Context, code string) (bool, error) {
	now := s.clock.Now()
	_, ok, err := s.mutate(ctx, code, func(t *models.Timer) error {
		if !t.IsRunning {
			return store.ErrAbort
		}
		t.RemainingTime = Remaining(*t, now)
		t.IsRunning = false
		return nil
	})
	return ok, err
}

// Resume restarts a paused timer, re-anchoring duration at the frozen remaining time.
func (s *Service) Resume(ctx context.Context, code string) (bool, error) {
	now := s.clock.Now()
	_, ok, err := s.mutate(ctx, code, func(t *models.Timer) error {
		if t.IsRunning || !t.HasStarted {
			return store.ErrAbort
		}
		t.Duration = t.RemainingTime
		t.StartTime = clock.Millis(now)
		t.IsRunning = true
		return nil
	})
	return ok, err
}

// ApplyPenalty deducts seconds from a running timer and raises penalty.active in one write.
// It returns ErrTimerNotRunning when the timer is stopped.
func (s *Service) ApplyPenalty(ctx context.Context, code string, seconds int) (models.Penalty, error) {
	if seconds <= 0 {
		return models.Penalty{}, fmt.Errorf("timer: penalty must be positive, got %d", seconds)
	}
	now := s.clock.Now()
	var notRunning bool
	t, _, err := s.mutate(ctx, code, func(t *models.Timer) error {
		notRunning = !t.IsRunning
		if notRunning {
			return store.ErrAbort
		}
		t.Duration -= seconds
		t.Penalty.Active = true
		t.Penalty.Amount = seconds
		t.Penalty.FormattedAmount = Format(seconds)
		t.Penalty.Count++
		t.Penalty.LastApplied = clock.Millis(now)
		t.Penalty.TimeRemaining = Remaining(*t, now)
		return nil
	})
	if err != nil {
		return models.Penalty{}, err
	}
	if notRunning {
		return models.Penalty{}, ErrTimerNotRunning
	}
	s.log.WithFields(logrus.Fields{"lobby": code, "seconds": seconds, "count": t.Penalty.Count}).Infof("penalty applied")
	return t.Penalty, nil
}

// ClearPenalty lowers penalty.active. Any number of observers may call it; only the
// first write changes anything and a missing lobby is left alone.
func (s *Service) ClearPenalty(ctx context.Context, code string) error {
	_, committed, err := s.store.Transact(ctx, store.Join(timerPath(code), "penalty", "active"), func(current any) (any, error) {
		if active, _ := current.(bool); !active {
			return nil, store.ErrAbort
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if committed {
		s.log.WithField("lobby", code).Debugf("penalty cleared")
	}
	return nil
}
