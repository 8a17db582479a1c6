package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const code = "ABCD1"

func setupFirer(t *testing.T) (*Firer, store.Store) {
	t.Helper()
	s := store.NewMemoryStore(clock.NewFake(time.UnixMilli(1_700_000_000_000)))
	require.NoError(t, s.Set(context.Background(), store.LobbyPath(code), map[string]any{"gamePhase": 1}))
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return NewFirer(s, log), s
}

func TestFireExactlyOnceAcrossObservers(t *testing.T) {
	f, s := setupFirer(t)
	ctx := context.Background()
	ev := Sent("hackerFirstMessage")

	const observers = 25
	var global int32
	var local int32
	gates := make([]*Gate, observers)
	for i := range gates {
		gates[i] = NewGate()
	}

	var wg sync.WaitGroup
	for i := 0; i < observers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.Fire(ctx, code, ev, true, func(ctx context.Context) error {
				atomic.AddInt32(&global, 1)
				_, err := s.Push(ctx, store.LobbyPath(code, "hackerChat"), map[string]any{"text": "hi"})
				return err
			})
			assert.NoError(t, err)
			// Every observer replays its local cue once the flag is set, however often it looks.
			for j := 0; j < 3; j++ {
				ok, err := f.Done(ctx, code, ev)
				if err == nil && ok && gates[i].Once(ev.Key) {
					atomic.AddInt32(&local, 1)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), global)
	assert.Equal(t, int32(observers), local)

	chat, err := s.Get(ctx, store.LobbyPath(code, "hackerChat"))
	require.NoError(t, err)
	assert.Len(t, chat, 1)
}

func TestFireRequiresPermission(t *testing.T) {
	f, _ := setupFirer(t)
	ctx := context.Background()
	ev := Played("hackerLoginAudio")

	won, err := f.Fire(ctx, code, ev, false, func(context.Context) error {
		t.Fatal("effect must not run without permission")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, won)

	ok, err := f.Done(ctx, code, ev)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFireWritesFlagWithTimestamp(t *testing.T) {
	f, s := setupFirer(t)
	ctx := context.Background()
	won, err := f.Fire(ctx, code, Sent("phaseAdvance/1"), true, nil)
	require.NoError(t, err)
	assert.True(t, won)

	v, err := s.Get(ctx, store.LobbyPath(code, "phaseAdvance", "1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sent": true, "timestamp": float64(1_700_000_000_000)}, v)
}

func TestFireDoesNotRecreateLobby(t *testing.T) {
	f, s := setupFirer(t)
	ctx := context.Background()
	won, err := f.Fire(ctx, "GONE1", Sent("hackerFirstMessage"), true, nil)
	require.NoError(t, err)
	assert.False(t, won)

	v, _ := s.Get(ctx, store.LobbyPath("GONE1"))
	assert.Nil(t, v)
}

func TestFireEffectErrorKeepsFlag(t *testing.T) {
	f, _ := setupFirer(t)
	ctx := context.Background()
	ev := Sent("hackerDesktopMessage")
	boom := errors.New("boom")

	won, err := f.Fire(ctx, code, ev, true, func(context.Context) error { return boom })
	assert.True(t, won)
	assert.ErrorIs(t, err, boom)

	won, err = f.Fire(ctx, code, ev, true, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, won)
}

// failingStore rejects the next n transactions before handing them to the store.
type failingStore struct {
	store.Store
	n atomic.Int32
}

var errUnavailable = errors.New("store unavailable")

func (s *failingStore) Transact(ctx context.Context, path string, fn store.TxFunc) (any, bool, error) {
	if s.n.Add(-1) >= 0 {
		return nil, false, errUnavailable
	}
	return s.Store.Transact(ctx, path, fn)
}

func TestFireWithCommitsEditAndFlagTogether(t *testing.T) {
	f, s := setupFirer(t)
	ctx := context.Background()
	ev := Played("firewallUnlockAudio")
	edit := func(root map[string]any) error {
		_, err := store.WithChild(root, "hackerChat/m1", map[string]any{"text": "drop"})
		return err
	}

	won, err := f.FireWith(ctx, code, ev, true, edit)
	require.NoError(t, err)
	assert.True(t, won)

	root, err := s.Get(ctx, store.LobbyPath(code))
	require.NoError(t, err)
	assert.True(t, ev.DoneIn(root))
	assert.Equal(t, "drop", store.ChildOf(root, "hackerChat/m1/text"))

	won, err = f.FireWith(ctx, code, ev, true, func(map[string]any) error {
		t.Fatal("edit ran twice")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, won)
}

func TestFireWithFailedWriteCanBeRetried(t *testing.T) {
	_, base := setupFirer(t)
	flaky := &failingStore{Store: base}
	flaky.n.Store(1)
	f := NewFirer(flaky, nil)
	ctx := context.Background()
	ev := Sent("hackerFirstMessage")
	edit := func(root map[string]any) error {
		root["posted"] = true
		return nil
	}

	won, err := f.FireWith(ctx, code, ev, true, edit)
	assert.ErrorIs(t, err, errUnavailable)
	assert.False(t, won)
	done, err := f.Done(ctx, code, ev)
	require.NoError(t, err)
	assert.False(t, done, "the flag is not left behind without its edit")

	won, err = f.FireWith(ctx, code, ev, true, edit)
	require.NoError(t, err)
	assert.True(t, won)
	v, err := base.Get(ctx, store.LobbyPath(code, "posted"))
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestFireWithEditAbort(t *testing.T) {
	f, _ := setupFirer(t)
	ctx := context.Background()
	ev := Sent("phaseAdvance/0")

	won, err := f.FireWith(ctx, code, ev, true, func(map[string]any) error { return store.ErrAbort })
	require.NoError(t, err)
	assert.False(t, won)
	done, err := f.Done(ctx, code, ev)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestGate(t *testing.T) {
	g := NewGate()
	assert.False(t, g.Seen("a"))
	assert.True(t, g.Once("a"))
	assert.False(t, g.Once("a"))
	assert.True(t, g.Seen("a"))
	assert.True(t, g.Once("b"))
}
