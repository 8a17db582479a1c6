package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/chat"
	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/puzzle"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/jason-s-yu/escaperoom/internal/timer"
	"github.com/jason-s-yu/escaperoom/internal/trigger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeAuditor struct {
	mu   sync.Mutex
	recs []models.ActionRecord
}

func (f *fakeAuditor) Publish(_ context.Context, rec models.ActionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeAuditor) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.recs))
	for _, r := range f.recs {
		out = append(out, r.ActionType)
	}
	return out
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []models.Outcome
}

func (f *fakeRecorder) RecordOutcome(_ context.Context, o models.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return nil
}

func (f *fakeRecorder) all() []models.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Outcome(nil), f.outcomes...)
}

type harness struct {
	ctx      context.Context
	store    *store.MemoryStore
	clock    *clock.Fake
	deps     Deps
	engine   *Engine
	director *Director
	auditor  *fakeAuditor
	recorder *fakeRecorder
	code     string
	ids      []string
	viewers  map[string]*Viewer
}

// setupHarness creates a lobby hosted by the first name, joins the rest one second
// apart and opens a primed viewer per player.
func setupHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	fc := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	s := store.NewMemoryStore(fc)
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	firer := trigger.NewFirer(s, log)
	timers := timer.NewService(s, fc, log)
	feed := chat.NewFeed(s, log)
	script := chat.DefaultScript()
	mgr := lobby.NewLobbyManager(s, fc, log, models.DefaultSettings())
	stages := puzzle.NewStages(puzzle.Deps{
		Store: s, Clock: fc, Timers: timers, Firer: firer, Feed: feed, Script: script, Log: log,
	}, puzzle.DefaultOptions())
	t.Cleanup(stages.Close)

	h := &harness{
		ctx:      context.Background(),
		store:    s,
		clock:    fc,
		auditor:  &fakeAuditor{},
		recorder: &fakeRecorder{},
		viewers:  map[string]*Viewer{},
	}
	h.deps = Deps{
		Store: s, Clock: fc, Lobbies: mgr, Stages: stages, Timers: timers, Firer: firer,
		Feed: feed, Script: script, Auditor: h.auditor, Recorder: h.recorder, Log: log,
	}
	h.engine = NewEngine(h.deps)
	h.director = NewDirector(h.deps)
	t.Cleanup(h.director.Close)

	code, host, err := mgr.Create(h.ctx, names[0])
	require.NoError(t, err)
	h.code = code
	h.ids = []string{host.ID}
	for _, n := range names[1:] {
		fc.Advance(time.Second)
		p, err := mgr.Join(h.ctx, code, n)
		require.NoError(t, err)
		h.ids = append(h.ids, p.ID)
	}
	for _, id := range h.ids {
		h.viewers[id] = h.director.Viewer(code, id)
		require.Empty(t, h.observe(t, id))
	}
	return h
}

func (h *harness) snapshot(t *testing.T) store.Snapshot {
	t.Helper()
	v, err := h.store.Get(h.ctx, store.LobbyPath(h.code))
	require.NoError(t, err)
	return store.Snapshot{Path: store.LobbyPath(h.code), Value: v}
}

func (h *harness) observe(t *testing.T, id string) []Cue {
	t.Helper()
	cues, err := h.viewers[id].Observe(h.ctx, h.snapshot(t))
	require.NoError(t, err)
	return cues
}

// rounds observes every viewer n times and counts the cues each one received.
func (h *harness) rounds(t *testing.T, n int) map[string]map[string]int {
	t.Helper()
	got := map[string]map[string]int{}
	for i := 0; i < n; i++ {
		for _, id := range h.ids {
			if got[id] == nil {
				got[id] = map[string]int{}
			}
			for _, c := range h.observe(t, id) {
				got[id][c.Type]++
			}
		}
	}
	return got
}

func (h *harness) do(t *testing.T, id string, cmd Command) Reply {
	t.Helper()
	r, err := h.engine.Handle(h.ctx, h.code, id, cmd)
	require.NoError(t, err)
	return r
}

func (h *harness) lobby(t *testing.T) *models.Lobby {
	t.Helper()
	l, err := h.deps.Lobbies.Get(h.ctx, h.code)
	require.NoError(t, err)
	return l
}

func (h *harness) chat(t *testing.T) []models.ChatMessage {
	t.Helper()
	msgs, err := h.deps.Feed.List(h.ctx, h.code)
	require.NoError(t, err)
	return msgs
}

// elect makes the first player leader with the votes of the others.
func (h *harness) elect(t *testing.T) {
	t.Helper()
	for _, id := range h.ids[1:] {
		h.do(t, id, Command{Type: CmdVote, Candidate: h.ids[0]})
	}
	require.True(t, h.lobby(t).IsLeader(h.ids[0]))
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.True(t, h.do(t, h.ids[0], Command{Type: CmdStartGame}).Applied)
	require.True(t, h.do(t, h.ids[len(h.ids)-1], Command{Type: CmdIntroComplete}).Applied)
}

func (h *harness) login(t *testing.T, user, pass string) Reply {
	t.Helper()
	leader := h.ids[0]
	h.do(t, leader, Command{Type: CmdInputActivate, Puzzle: puzzle.Login, Field: "username"})
	h.do(t, leader, Command{Type: CmdInputAppend, Puzzle: puzzle.Login, Text: user})
	h.do(t, leader, Command{Type: CmdInputActivate, Puzzle: puzzle.Login, Field: "password"})
	h.do(t, leader, Command{Type: CmdInputAppend, Puzzle: puzzle.Login, Text: pass})
	return h.do(t, leader, Command{Type: CmdInputSubmit, Puzzle: puzzle.Login})
}

func (h *harness) enter(t *testing.T, p, code string) Reply {
	t.Helper()
	leader := h.ids[0]
	h.do(t, leader, Command{Type: CmdInputActivate, Puzzle: p})
	r := h.do(t, leader, Command{Type: CmdInputAppend, Puzzle: p, Text: code})
	if r.Input != nil && r.Input.Submitted {
		return r
	}
	return h.do(t, leader, Command{Type: CmdInputSubmit, Puzzle: p})
}
