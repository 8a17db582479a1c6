// internal/trigger/trigger.go
package trigger

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/sirupsen/logrus"
)

// Kind names the boolean a flag record sets once its event has happened.
type Kind string

const (
	KindSent   Kind = "sent"
	KindPlayed Kind = "played"
)

// Event identifies one scripted, lobby-wide action. Key is the flag path relative
// to the lobby root, for example "hackerFirstMessage" or "phaseAdvance/1".
type Event struct {
	Key  string
	Kind Kind
}

// Sent returns an event whose flag records a posted message.
func Sent(key string) Event { return Event{Key: key, Kind: KindSent} }

// Played returns an event whose flag records a played cue.
func Played(key string) Event { return Event{Key: key, Kind: KindPlayed} }

// Effect is the global side effect run by the single caller that wins the flag.
type Effect func(ctx context.Context) error

// Firer runs one-shot events against the shared store.
type Firer struct {
	store store.Store
	log   logrus.FieldLogger
}

// NewFirer returns a Firer writing flags to s.
func NewFirer(s store.Store, log logrus.FieldLogger) *Firer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Firer{store: s, log: log}
}

func done(flag any, kind Kind) bool {
	m, ok := flag.(map[string]any)
	if !ok {
		return false
	}
	v, _ := m[string(kind)].(bool)
	return v
}

// Done reports whether the event's flag is already set.
func (f *Firer) Done(ctx context.Context, code string, e Event) (bool, error) {
	v, err := f.store.Get(ctx, store.LobbyPath(code, e.Key))
	if err != nil {
		return false, err
	}
	return done(v, e.Kind), nil
}

// Edit changes the lobby root inside the transaction that sets an event's flag.
// It returns store.ErrAbort to leave both the flag and the lobby untouched.
type Edit func(root map[string]any) error

// DoneIn reports whether the event's flag is set in a lobby root.
func (e Event) DoneIn(root any) bool {
	return done(store.ChildOf(root, e.Key), e.Kind)
}

// Fire runs effect at most once per lobby. A caller that is not allowed to fire
// (mayFire false) only reads the flag. Otherwise the flag is written first through
// a transaction on the lobby root, and only the caller whose write committed runs
// effect. A destroyed lobby is never recreated. The returned bool reports whether
// this call won.
//
// A failed effect is not retried. Effects that only write to the lobby belong in
// FireWith, which commits them together with the flag.
func (f *Firer) Fire(ctx context.Context, code string, e Event, mayFire bool, effect Effect) (bool, error) {
	won, err := f.FireWith(ctx, code, e, mayFire, nil)
	if err != nil || !won || effect == nil {
		return won, err
	}
	if err := effect(ctx); err != nil {
		return true, fmt.Errorf("effect for %s in %s: %w", e.Key, code, err)
	}
	return true, nil
}

// FireWith sets the event's flag and applies edit in one transaction on the lobby
// root, so either both land or neither does and a later call can try again.
func (f *Firer) FireWith(ctx context.Context, code string, e Event, mayFire bool, edit Edit) (bool, error) {
	already, err := f.Done(ctx, code, e)
	if err != nil {
		return false, err
	}
	if already || !mayFire {
		return false, nil
	}

	_, won, err := f.store.Transact(ctx, store.LobbyPath(code), func(current any) (any, error) {
		root, ok := current.(map[string]any)
		if !ok || e.DoneIn(root) {
			return nil, store.ErrAbort
		}
		if edit != nil {
			if err := edit(root); err != nil {
				return nil, err
			}
		}
		return store.WithChild(root, e.Key, map[string]any{
			string(e.Kind): true,
			"timestamp":    store.ServerTimestamp,
		})
	})
	if err != nil {
		return false, fmt.Errorf("fire %s in %s: %w", e.Key, code, err)
	}
	if won {
		f.log.WithFields(logrus.Fields{"lobby": code, "event": e.Key}).Infof("one-shot event fired")
	}
	return won, nil
}
