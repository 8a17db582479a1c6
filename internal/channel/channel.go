// internal/channel/channel.go
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/jason-s-yu/escaperoom/internal/timer"
	"github.com/sirupsen/logrus"
)

const (
	// clearTimeout bounds the scheduled write that wipes a rejected entry.
	clearTimeout = 5 * time.Second
	// hookTimeout bounds the follow-up of a committed submit.
	hookTimeout = 5 * time.Second
)

// Penalizer deducts time from the shared countdown.
type Penalizer interface {
	ApplyPenalty(ctx context.Context, code string, seconds int) (models.Penalty, error)
}

// Result is the outcome of one channel operation. Applied is false when the caller
// is not the leader, the puzzle is solved or locked, or the input was rejected.
type Result struct {
	Applied   bool
	State     models.InputState
	Submitted bool
	Solved    bool
	Penalty   *models.Penalty
	// PenaltyErr carries a soft penalty failure such as timer.ErrTimerNotRunning.
	PenaltyErr error
}

// Channel is a leader-arbitrated shared input. Only the player holding isLeader may
// mutate it; everyone else renders whatever the store last published.
type Channel struct {
	cfg       Config
	store     store.Store
	clock     clock.Clock
	penalizer Penalizer
	log       logrus.FieldLogger

	mu      sync.Mutex
	pending map[string]clock.Timer
}

// New returns a channel for cfg. penalizer may be nil when the policy never penalizes.
func New(cfg Config, s store.Store, c clock.Clock, penalizer Penalizer, log logrus.FieldLogger) *Channel {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Key
	}
	return &Channel{
		cfg:       cfg,
		store:     s,
		clock:     c,
		penalizer: penalizer,
		log:       log.WithField("puzzle", cfg.Name),
		pending:   make(map[string]clock.Timer),
	}
}

// Config returns the channel's configuration.
func (c *Channel) Config() Config {
	return c.cfg
}

// State reads the current input state.
func (c *Channel) State(ctx context.Context, code string) (models.InputState, error) {
	var st models.InputState
	v, err := c.store.Get(ctx, store.LobbyPath(code, c.cfg.Key))
	if err != nil {
		return st, err
	}
	err = store.Decode(v, &st)
	return st, err
}

// Solved reports whether the puzzle has been solved.
func (c *Channel) Solved(ctx context.Context, code string) (bool, error) {
	v, err := c.store.Get(ctx, store.LobbyPath(code, c.cfg.Key, "solved"))
	if err != nil {
		return false, err
	}
	solved, _ := v.(bool)
	return solved, nil
}

// mutate runs fn on the channel state inside a transaction on the lobby root.
// With an actor it first checks that the actor is the leader and the puzzle is open.
// fn returns store.ErrAbort to skip the write. A solved puzzle is never written; the
// returned state then has Solved set.
func (c *Channel) mutate(ctx context.Context, code, actorID string, fn func(st *models.InputState, actor models.Player) error) (models.InputState, bool, error) {
	var (
		out     models.InputState
		missing bool
	)
	_, committed, err := c.store.Transact(ctx, store.LobbyPath(code), func(current any) (any, error) {
		root, ok := current.(map[string]any)
		missing = !ok
		if missing {
			return nil, store.ErrAbort
		}

		var (
			actor models.Player
			st    models.InputState
		)
		if actorID != "" {
			if err := store.Decode(store.ChildOf(root, "players/"+actorID), &actor); err != nil {
				return nil, err
			}
			if actor.ID == "" || !actor.IsLeader {
				return nil, store.ErrAbort
			}
			if c.cfg.Locked != nil && c.cfg.Locked(root) {
				return nil, store.ErrAbort
			}
		}
		if err := store.Decode(root[c.cfg.Key], &st); err != nil {
			return nil, err
		}
		out = st
		if st.Solved {
			return nil, store.ErrAbort
		}
		if err := fn(&st, actor); err != nil {
			return nil, err
		}
		out = st

		if _, err := store.WithChild(root, c.cfg.Key, st); err != nil {
			return nil, err
		}
		if st.Solved && c.cfg.SolvedFlag != "" {
			if _, err := store.WithChild(root, c.cfg.Key+"/"+c.cfg.SolvedFlag, true); err != nil {
				return nil, err
			}
		}
		return root, nil
	})
	if err != nil {
		return models.InputState{}, false, fmt.Errorf("%s input in %s: %w", c.cfg.Name, code, err)
	}
	if missing {
		return models.InputState{}, false, lobby.ErrLobbyNotFound
	}
	return out, committed, nil
}

func ownerName(p models.Player) string {
	if p.Name != "" {
		return p.Name
	}
	return "Leader"
}

// Activate opens the channel for typing. field selects the named input on
// multi-field channels and may be called again to move between fields.
func (c *Channel) Activate(ctx context.Context, code, actorID, field string) (Result, error) {
	st, ok, err := c.mutate(ctx, code, actorID, func(st *models.InputState, actor models.Player) error {
		if len(c.cfg.Fields) > 0 {
			if field == "" {
				field = c.cfg.Fields[0]
			}
			if !c.cfg.hasField(field) {
				return store.ErrAbort
			}
			st.ActiveField = field
		}
		st.IsInputActive = true
		st.OwnerName = ownerName(actor)
		st.Error = ""
		return nil
	})
	return Result{Applied: ok, State: st}, err
}

// target returns the text being edited and a setter for it.
func (c *Channel) target(st *models.InputState) (string, func(string)) {
	if len(c.cfg.Fields) == 0 {
		return st.Value, func(v string) { st.Value = v }
	}
	field := st.ActiveField
	return st.Fields[field], func(v string) {
		if st.Fields == nil {
			st.Fields = map[string]string{}
		}
		st.Fields[field] = v
	}
}

// Append adds the accepted characters of text. Characters beyond MaxLength are
// dropped. On auto-submit channels a full entry is submitted immediately.
func (c *Channel) Append(ctx context.Context, code, actorID, text string) (Result, error) {
	accepted := c.cfg.accept(text)
	if accepted == "" {
		return Result{}, nil
	}
	st, ok, err := c.mutate(ctx, code, actorID, func(st *models.InputState, actor models.Player) error {
		if !st.IsInputActive || (len(c.cfg.Fields) > 0 && st.ActiveField == "") {
			return store.ErrAbort
		}
		cur, set := c.target(st)
		next := cur + accepted
		if c.cfg.MaxLength > 0 {
			next = truncate(next, c.cfg.MaxLength)
		}
		if next == cur {
			return store.ErrAbort
		}
		set(next)
		st.OwnerName = ownerName(actor)
		return nil
	})
	if err != nil || !ok {
		return Result{Applied: ok, State: st}, err
	}
	if c.cfg.AutoSubmit && c.cfg.MaxLength > 0 && utf8.RuneCountInString(st.Value) >= c.cfg.MaxLength {
		res, err := c.Submit(ctx, code, actorID)
		res.Applied = true
		return res, err
	}
	return Result{Applied: true, State: st}, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// Backspace removes the last character.
func (c *Channel) Backspace(ctx context.Context, code, actorID string) (Result, error) {
	st, ok, err := c.mutate(ctx, code, actorID, func(st *models.InputState, actor models.Player) error {
		if !st.IsInputActive || (len(c.cfg.Fields) > 0 && st.ActiveField == "") {
			return store.ErrAbort
		}
		cur, set := c.target(st)
		if cur == "" {
			return store.ErrAbort
		}
		r := []rune(cur)
		set(string(r[:len(r)-1]))
		st.OwnerName = ownerName(actor)
		return nil
	})
	return Result{Applied: ok, State: st}, err
}

// Clear empties the entry without counting an attempt.
func (c *Channel) Clear(ctx context.Context, code, actorID string) (Result, error) {
	st, ok, err := c.mutate(ctx, code, actorID, func(st *models.InputState, actor models.Player) error {
		st.Value = ""
		st.Fields = nil
		st.Error = ""
		return nil
	})
	return Result{Applied: ok, State: st}, err
}

// Deactivate releases the channel without side effects.
func (c *Channel) Deactivate(ctx context.Context, code, actorID string) (Result, error) {
	st, ok, err := c.mutate(ctx, code, actorID, func(st *models.InputState, actor models.Player) error {
		if !st.IsInputActive && st.OwnerName == "" {
			return store.ErrAbort
		}
		st.IsInputActive = false
		st.OwnerName = ""
		st.ActiveField = ""
		return nil
	})
	return Result{Applied: ok, State: st}, err
}

// Submit validates the entry. A match marks the puzzle solved and runs OnSolved.
// A mismatch raises the error text, counts the attempt, applies the penalty policy
// and schedules a clear that every client observes. Submitting to a solved puzzle
// runs OnSolved again, so hooks must be safe to repeat.
func (c *Channel) Submit(ctx context.Context, code, actorID string) (Result, error) {
	now := clock.Millis(c.clock.Now())
	var (
		matched   bool
		submitted models.InputState
	)
	st, ok, err := c.mutate(ctx, code, actorID, func(st *models.InputState, actor models.Player) error {
		if isEmpty(*st) {
			return store.ErrAbort
		}
		submitted = *st
		matched = c.cfg.Validate != nil && c.cfg.Validate(*st)
		if matched {
			st.Solved = true
			st.SolvedAt = now
			st.Error = ""
			st.IsInputActive = false
			st.OwnerName = ""
			st.ActiveField = ""
			return nil
		}
		st.Attempts++
		st.Error = c.cfg.ErrorText
		return nil
	})
	res := Result{Applied: ok, State: st, Submitted: ok}
	if err != nil {
		return res, err
	}

	// The entry is committed. What follows must not be cut short by the caller
	// going away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
	defer cancel()

	if !ok {
		if !st.Solved || c.cfg.OnSolved == nil {
			return res, nil
		}
		// A repeated submit finishes whatever an earlier solve left undone.
		res.Solved = true
		if err := c.cfg.OnSolved(ctx, code); err != nil {
			return res, fmt.Errorf("%s solved hook: %w", c.cfg.Name, err)
		}
		return res, nil
	}

	if matched {
		res.Solved = true
		c.log.WithFields(logrus.Fields{"lobby": code, "attempts": st.Attempts}).Infof("puzzle solved")
		if c.cfg.OnSolved != nil {
			if err := c.cfg.OnSolved(ctx, code); err != nil {
				return res, fmt.Errorf("%s solved hook: %w", c.cfg.Name, err)
			}
		}
		return res, nil
	}

	c.log.WithFields(logrus.Fields{"lobby": code, "attempts": st.Attempts}).Infof("wrong entry submitted")
	c.scheduleClear(code, st.Attempts, submitted)

	if c.cfg.Penalty.Applies(st.Attempts) && c.penalizer != nil {
		p, err := c.penalizer.ApplyPenalty(ctx, code, c.cfg.Penalty.Seconds)
		switch {
		case errors.Is(err, timer.ErrTimerNotRunning), errors.Is(err, timer.ErrNoTimer):
			res.PenaltyErr = err
		case err != nil:
			return res, fmt.Errorf("%s penalty: %w", c.cfg.Name, err)
		default:
			res.Penalty = &p
		}
	}
	if c.cfg.OnFailed != nil {
		if err := c.cfg.OnFailed(ctx, code, st.Attempts); err != nil {
			return res, fmt.Errorf("%s failure hook: %w", c.cfg.Name, err)
		}
	}
	return res, nil
}

// scheduleClear wipes the rejected entry and its error after ClearDelay, unless the
// channel moved on in the meantime.
func (c *Channel) scheduleClear(code string, attempts int, submitted models.InputState) {
	run := func() {
		c.mu.Lock()
		delete(c.pending, code)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
		defer cancel()
		_, _, err := c.mutate(ctx, code, "", func(st *models.InputState, _ models.Player) error {
			if st.Attempts != attempts {
				return store.ErrAbort
			}
			st.Error = ""
			if st.Value == submitted.Value {
				st.Value = ""
			}
			if len(c.cfg.Fields) > 0 && fieldsEqual(st.Fields, submitted.Fields) {
				st.Fields = nil
			}
			return nil
		})
		if err != nil && !errors.Is(err, lobby.ErrLobbyNotFound) {
			c.log.WithError(err).Warnf("failed to clear rejected entry in lobby %s", code)
		}
	}

	if c.cfg.ClearDelay <= 0 {
		run()
		return
	}
	c.mu.Lock()
	if old, ok := c.pending[code]; ok {
		old.Stop()
	}
	c.pending[code] = c.clock.AfterFunc(c.cfg.ClearDelay, run)
	c.mu.Unlock()
}

func isEmpty(st models.InputState) bool {
	if st.Value != "" {
		return false
	}
	for _, v := range st.Fields {
		if v != "" {
			return false
		}
	}
	return true
}

func fieldsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Close stops every scheduled clear.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for code, t := range c.pending {
		t.Stop()
		delete(c.pending, code)
	}
}
