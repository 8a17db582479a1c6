package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() (*MemoryStore, *clock.Fake) {
	fc := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	return NewMemoryStore(fc), fc
}

func TestMemorySetGet(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lobbies/ABCD1/status", "waiting"))
	v, err := s.Get(ctx, "lobbies/ABCD1/status")
	require.NoError(t, err)
	assert.Equal(t, "waiting", v)

	v, err = s.Get(ctx, "lobbies/NOPE")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", map[string]any{"b": "c"}))

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	v.(map[string]any)["b"] = "mutated"

	again, _ := s.Get(ctx, "a/b")
	assert.Equal(t, "c", again)
}

func TestMemoryServerTimestamp(t *testing.T) {
	s, fc := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, "lobbies/X", map[string]any{"createdAt": ServerTimestamp}))
	v, _ := s.Get(ctx, "lobbies/X/createdAt")
	assert.Equal(t, float64(fc.Now().UnixMilli()), v)
}

func TestMemoryRemove(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "lobbies/X/players/u1", map[string]any{"name": "A"}))
	require.NoError(t, s.Remove(ctx, "lobbies/X/players/u1"))
	v, _ := s.Get(ctx, "lobbies/X")
	assert.Nil(t, v)
}

func TestMemoryPushOrdersByTime(t *testing.T) {
	s, fc := newTestStore()
	ctx := context.Background()
	k1, err := s.Push(ctx, "lobbies/X/chat", map[string]any{"text": "one"})
	require.NoError(t, err)
	fc.Advance(time.Millisecond)
	k2, err := s.Push(ctx, "lobbies/X/chat", map[string]any{"text": "two"})
	require.NoError(t, err)
	assert.Less(t, k1, k2)
}

func TestMemoryTransactAbort(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "flag", map[string]any{"sent": true}))

	v, committed, err := s.Transact(ctx, "flag", func(current any) (any, error) {
		return nil, ErrAbort
	})
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Equal(t, map[string]any{"sent": true}, v)
}

func TestMemoryTransactPropagatesError(t *testing.T) {
	s, _ := newTestStore()
	boom := errors.New("boom")
	_, committed, err := s.Transact(context.Background(), "x", func(any) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, committed)
}

func TestMemoryTransactIsAtomic(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, committed, err := s.Transact(ctx, "once", func(current any) (any, error) {
				if current != nil {
					return nil, ErrAbort
				}
				return true, nil
			})
			if err == nil && committed {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
}

func TestMemorySubscribeDeliversInitialAndUpdates(t *testing.T) {
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var last Snapshot
	var calls int
	_, err := s.Subscribe(ctx, "lobbies/X", func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		last = snap
		calls++
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1 && !last.Exists()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Set(ctx, "lobbies/X/status", "in_game"))
	require.NoError(t, s.Set(ctx, "lobbies/Y/status", "other"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.Child("status").Value == "in_game"
	}, time.Second, 5*time.Millisecond)
}

func TestMemorySubscribeCoalesces(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []any
	unsubscribe, err := s.Subscribe(ctx, "n", func(snap Snapshot) {
		<-release
		mu.Lock()
		seen = append(seen, snap.Value)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	for i := 1; i <= 20; i++ {
		require.NoError(t, s.Set(ctx, "n", i))
	}
	close(release)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == float64(20)
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Less(t, len(seen), 21)
	mu.Unlock()
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	unsubscribe, err := s.Subscribe(ctx, "n", func(Snapshot) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	require.NoError(t, s.Set(ctx, "n", 1))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestMemoryUpdateInvalidKeyLeavesTree(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a/b", 1))
	err := s.Update(ctx, "a", map[string]any{"b": 2, "bad/$": 3})
	assert.ErrorIs(t, err, ErrInvalidPath)
	v, _ := s.Get(ctx, "a/b")
	assert.Equal(t, float64(1), v)
}
