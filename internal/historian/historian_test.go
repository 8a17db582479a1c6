// internal/historian/historian_test.go
package historian

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	actions  []models.ActionRecord
	outcomes []models.Outcome
}

func (f *fakeSink) InsertActions(_ context.Context, recs []models.ActionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, recs...)
	return nil
}

func (f *fakeSink) RecordOutcome(_ context.Context, o models.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return nil
}

func (f *fakeSink) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions), len(f.outcomes)
}

type chanQueue chan models.ActionRecord

func (q chanQueue) Pop(ctx context.Context, timeout time.Duration) (models.ActionRecord, bool, error) {
	select {
	case rec := <-q:
		return rec, true, nil
	case <-time.After(timeout):
		return models.ActionRecord{}, false, nil
	case <-ctx.Done():
		return models.ActionRecord{}, false, ctx.Err()
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func TestHandleFlushesFullBatch(t *testing.T) {
	sink := &fakeSink{}
	s := New(nil, sink, Options{BatchSize: 3}, quietLogger())
	ctx := context.Background()
	now := time.Now()

	s.Handle(ctx, models.ActionRecord{Lobby: "ABC", ActionIndex: 1, ActionType: "vote"}, now)
	s.Handle(ctx, models.ActionRecord{Lobby: "ABC", ActionIndex: 2, ActionType: "vote"}, now)
	actions, _ := sink.counts()
	assert.Zero(t, actions)
	assert.Equal(t, 2, s.Pending())

	s.Handle(ctx, models.ActionRecord{Lobby: "ABC", ActionIndex: 3, ActionType: "vote"}, now)
	actions, _ = sink.counts()
	assert.Equal(t, 3, actions)
	assert.Zero(t, s.Pending())
}

func TestSweepMarksAbandoned(t *testing.T) {
	sink := &fakeSink{}
	s := New(nil, sink, Options{Inactivity: time.Minute}, quietLogger())
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	s.Handle(ctx, models.ActionRecord{Lobby: "IDLE", ActorID: "a", ActionType: ActionStartGame, Applied: true, Timestamp: start.UnixMilli()}, start)
	s.Handle(ctx, models.ActionRecord{Lobby: "IDLE", ActorID: "b", ActionType: "input_append"}, start.Add(10*time.Second))
	s.Handle(ctx, models.ActionRecord{Lobby: "DONE", ActorID: "c", ActionType: ActionStartGame, Applied: true, Timestamp: start.UnixMilli()}, start)
	s.Handle(ctx, models.ActionRecord{Lobby: "DONE", ActionType: ActionGameOver}, start.Add(20*time.Second))
	s.Handle(ctx, models.ActionRecord{Lobby: "WAIT", ActorID: "d", ActionType: "ready"}, start)

	s.Sweep(ctx, start.Add(30*time.Second))
	_, outcomes := sink.counts()
	assert.Zero(t, outcomes, "nothing is stale yet")

	s.Sweep(ctx, start.Add(2*time.Minute))
	require.Len(t, sink.outcomes, 1)
	o := sink.outcomes[0]
	assert.Equal(t, "IDLE", o.Lobby)
	assert.Equal(t, models.ResultAbandoned, o.Result)
	assert.Equal(t, start.UnixMilli(), o.StartedAt)
	sort.Strings(o.Players)
	assert.Equal(t, []string{"a", "b"}, o.Players)

	s.Sweep(ctx, start.Add(5*time.Minute))
	_, outcomes = sink.counts()
	assert.Equal(t, 1, outcomes)
}

func TestRunDrainsQueue(t *testing.T) {
	sink := &fakeSink{}
	q := make(chanQueue, 4)
	s := New(q, sink, Options{BatchSize: 10, FlushDelay: 10 * time.Millisecond, PopTimeout: 10 * time.Millisecond}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	q <- models.ActionRecord{Lobby: "ABC", ActionIndex: 1, ActionType: "heartbeat"}
	q <- models.ActionRecord{Lobby: "ABC", ActionIndex: 2, ActionType: "heartbeat"}

	assert.Eventually(t, func() bool {
		n, _ := sink.counts()
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
