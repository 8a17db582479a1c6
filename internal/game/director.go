// internal/game/director.go
package game

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/chat"
	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/jason-s-yu/escaperoom/internal/timer"
	"github.com/jason-s-yu/escaperoom/internal/trigger"
	"github.com/sirupsen/logrus"
)

// One-shot events owned by the director.
var (
	HackerLoginAudio     = trigger.Played("hackerLoginAudio")
	HackerDesktopMessage = trigger.Sent("hackerDesktopMessage")
	TimeUpEvent          = trigger.Sent("timeUp")
	OutcomeEvent         = trigger.Sent("outcome")
)

// Cue types pushed to a single session.
const (
	CueHackerFirstMessage   = "hacker_first_message"
	CueHackerLoginAudio     = "hacker_login_audio"
	CueHackerDesktopMessage = "hacker_desktop_message"
	CueFirewallUnlocked     = "firewall_unlocked"
	CueKeypadUnlocked       = "keypad_unlocked"
	CuePenalty              = "penalty"
	CueTimeUp               = "time_up"
	CueEscaped              = "escaped"
)

// scheduledTimeout bounds the writes made by scheduled callbacks.
const scheduledTimeout = 5 * time.Second

// Cue is a local side effect a session plays once, such as a sound.
type Cue struct {
	Type    string          `json:"cue"`
	Penalty *models.Penalty `json:"penalty,omitempty"`
}

type schedule struct {
	clues     map[string]clock.Timer
	expiry    clock.Timer
	expirySig string
}

// Director runs the narrative around the puzzles: it fires the hacker's scripted
// events, schedules timed clues and the countdown expiry, records the outcome, and
// tells each session which cues to play.
type Director struct {
	deps Deps
	log  logrus.FieldLogger

	mu     sync.Mutex
	lobbys map[string]*schedule
}

// NewDirector returns a director over deps.
func NewDirector(deps Deps) *Director {
	deps.defaults()
	return &Director{deps: deps, log: deps.Log, lobbys: make(map[string]*schedule)}
}

// Viewer is one session's view of a lobby. It is not safe for concurrent use;
// each session observes its snapshots in order on one goroutine.
type Viewer struct {
	d        *Director
	code     string
	playerID string
	gate     *trigger.Gate

	primed       bool
	penaltyCount int
}

// Viewer returns a fresh per-session observer.
func (d *Director) Viewer(code, playerID string) *Viewer {
	return &Viewer{d: d, code: code, playerID: playerID, gate: trigger.NewGate()}
}

// flagCues maps the lobby flags that produce a cue when they become done.
func flagCues(l *models.Lobby) []struct {
	done bool
	cue  string
} {
	return []struct {
		done bool
		cue  string
	}{
		{l.HackerFirstMessage.Done(), CueHackerFirstMessage},
		{l.HackerLoginAudio.Done(), CueHackerLoginAudio},
		{l.HackerDesktopMessage.Done(), CueHackerDesktopMessage},
		{l.FirewallUnlockAudio.Done(), CueFirewallUnlocked},
		{l.KeypadUnlockAudio.Done(), CueKeypadUnlocked},
		{l.TimeUp.Done(), CueTimeUp},
		{l.GamePhase >= models.PhaseEscaped, CueEscaped},
	}
}

// Observe evaluates one snapshot of the lobby root. It returns the cues this
// session has not played yet. The first snapshot only primes the viewer, so a
// session joining late does not replay what already happened.
func (v *Viewer) Observe(ctx context.Context, snap store.Snapshot) ([]Cue, error) {
	if !snap.Exists() {
		v.d.Forget(v.code)
		return nil, nil
	}
	var l models.Lobby
	if err := snap.Decode(&l); err != nil {
		return nil, fmt.Errorf("decode lobby %s: %w", v.code, err)
	}
	l.Code = v.code

	if root, ok := snap.Value.(map[string]any); ok {
		v.d.settle(ctx, v.code, root)
	}
	if err := v.d.advance(ctx, &l, l.IsLeader(v.playerID)); err != nil {
		return nil, err
	}

	if !v.primed {
		v.primed = true
		for _, fc := range flagCues(&l) {
			if fc.done {
				v.gate.Once(fc.cue)
			}
		}
		v.penaltyCount = l.Timer.Penalty.Count
		return nil, v.clearPenalty(ctx, &l)
	}

	var cues []Cue
	for _, fc := range flagCues(&l) {
		if fc.done && v.gate.Once(fc.cue) {
			cues = append(cues, Cue{Type: fc.cue})
		}
	}
	if p := l.Timer.Penalty; p.Count > v.penaltyCount {
		v.penaltyCount = p.Count
		cues = append(cues, Cue{Type: CuePenalty, Penalty: &p})
	}
	return cues, v.clearPenalty(ctx, &l)
}

// clearPenalty lowers penalty.active once this session has taken note of it.
func (v *Viewer) clearPenalty(ctx context.Context, l *models.Lobby) error {
	if !l.Timer.Penalty.Active {
		return nil
	}
	return v.d.deps.Timers.ClearPenalty(ctx, v.code)
}

// advance fires the events due in l and keeps the timed callbacks in step with it.
// Narrative beats are fired by the leader's session.
func (d *Director) advance(ctx context.Context, l *models.Lobby, leader bool) error {
	if l.GamePhase >= models.PhaseDesktop {
		if _, err := d.deps.Firer.Fire(ctx, l.Code, HackerLoginAudio, leader, nil); err != nil {
			return err
		}
		if l.HackerLoginAudio.Done() {
			_, err := d.deps.Firer.FireWith(ctx, l.Code, HackerDesktopMessage, leader, d.post(d.deps.Script.Taunt()))
			if err != nil {
				return err
			}
		}
	}

	if l.GameState == models.GameStatePlaying && l.GamePhase < models.PhaseEscaped {
		d.scheduleClues(l)
	}
	d.scheduleExpiry(l)

	if l.GamePhase >= models.PhaseEscaped && !l.Outcome.Done() {
		return d.finish(ctx, l.Code, models.ResultEscaped)
	}
	return nil
}

func (d *Director) scheduleOf(code string) *schedule {
	s, ok := d.lobbys[code]
	if !ok {
		s = &schedule{clues: map[string]clock.Timer{}}
		d.lobbys[code] = s
	}
	return s
}

// scheduleClues arms the clues of the current phase. The delay runs from the first
// snapshot of the phase this server observes.
func (d *Director) scheduleClues(l *models.Lobby) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.scheduleOf(l.Code)
	for i, clue := range d.deps.Script.Clues {
		key := clue.Key(i)
		if clue.Phase != l.GamePhase || l.HackerClues[fmt.Sprintf("%d-%d", int(clue.Phase), i)].Done() {
			continue
		}
		if _, armed := s.clues[key]; armed {
			continue
		}
		code, clue, ev := l.Code, clue, trigger.Sent(key)
		s.clues[key] = d.deps.Clock.AfterFunc(clue.Delay, func() {
			d.dropClue(code, clue, ev)
		})
	}
}

func (d *Director) dropClue(code string, clue chat.Clue, ev trigger.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledTimeout)
	defer cancel()

	v, err := d.deps.Store.Get(ctx, store.LobbyPath(code, "gamePhase"))
	if err != nil {
		d.log.WithError(err).Warnf("clue check for lobby %s", code)
		return
	}
	if phase, ok := v.(float64); !ok || models.Phase(phase) != clue.Phase {
		return
	}
	_, err = d.deps.Firer.FireWith(ctx, code, ev, true, func(root map[string]any) error {
		if phaseOf(root) != clue.Phase {
			return store.ErrAbort
		}
		return d.post(chat.ClueMessage(clue))(root)
	})
	if err != nil {
		d.log.WithError(err).Warnf("failed to drop clue %s in lobby %s", ev.Key, code)
	}
}

// post returns an edit that appends msg to the hacker chat with its flag.
func (d *Director) post(msg models.ChatMessage) trigger.Edit {
	return func(root map[string]any) error {
		_, err := d.deps.Feed.Append(root, msg, d.deps.Clock.Now())
		return err
	}
}

func phaseOf(root map[string]any) models.Phase {
	v, _ := root["gamePhase"].(float64)
	return models.Phase(v)
}

// settle lets any session finish the follow-up of a solved puzzle that an earlier
// command committed without completing. It runs apart from the session's context.
func (d *Director) settle(ctx context.Context, code string, root map[string]any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scheduledTimeout)
	defer cancel()
	if d.deps.Stages != nil {
		if err := d.deps.Stages.Settle(ctx, code, root); err != nil {
			d.log.WithError(err).Warnf("failed to settle lobby %s", code)
		}
	}
	// The countdown stays frozen once time is up.
	if running, _ := store.ChildOf(root, "timer/isRunning").(bool); running && TimeUpEvent.DoneIn(root) {
		if _, err := d.deps.Timers.Pause(ctx, code); err != nil {
			d.log.WithError(err).Warnf("failed to freeze timer of lobby %s", code)
		}
	}
}

// scheduleExpiry arms a callback for the moment the running countdown reaches zero.
// Any change to the timer anchor re-arms it.
func (d *Director) scheduleExpiry(l *models.Lobby) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.scheduleOf(l.Code)

	t := l.Timer
	if !t.IsRunning || l.TimeUp.Done() || l.GamePhase >= models.PhaseEscaped {
		if s.expiry != nil {
			s.expiry.Stop()
			s.expiry, s.expirySig = nil, ""
		}
		return
	}
	sig := fmt.Sprintf("%d/%d", t.StartTime, t.Duration)
	if s.expiry != nil && s.expirySig == sig {
		return
	}
	if s.expiry != nil {
		s.expiry.Stop()
	}
	// Fire on the whole second the countdown shows 00:00.
	deadline := time.UnixMilli(t.StartTime).Add(time.Duration(t.Duration) * time.Second)
	wait := deadline.Sub(d.deps.Clock.Now())
	if wait < 0 {
		wait = 0
	}
	code := l.Code
	s.expirySig = sig
	s.expiry = d.deps.Clock.AfterFunc(wait, func() { d.expire(code) })
}

func (d *Director) expire(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledTimeout)
	defer cancel()

	t, err := d.deps.Timers.Get(ctx, code)
	if err != nil {
		d.log.WithError(err).Warnf("expiry check for lobby %s", code)
		return
	}
	if !t.IsRunning || !timer.Expired(t, d.deps.Clock.Now()) {
		return
	}
	_, err = d.deps.Firer.Fire(ctx, code, TimeUpEvent, true, func(ctx context.Context) error {
		if _, err := d.deps.Timers.Pause(ctx, code); err != nil {
			return err
		}
		return d.finish(ctx, code, models.ResultTimeUp)
	})
	if err != nil {
		d.log.WithError(err).Warnf("failed to end lobby %s on time", code)
	}
}

// finish records the outcome of the game once.
func (d *Director) finish(ctx context.Context, code, result string) error {
	_, err := d.deps.Firer.Fire(ctx, code, OutcomeEvent, true, func(ctx context.Context) error {
		var l models.Lobby
		v, err := d.deps.Store.Get(ctx, store.LobbyPath(code))
		if err != nil {
			return err
		}
		if err := store.Decode(v, &l); err != nil {
			return err
		}
		o := outcomeOf(code, &l, result, d.deps.Clock.Now())
		d.log.WithFields(logrus.Fields{"lobby": code, "result": result, "remaining": o.RemainingSeconds}).Infof("game over")

		if d.deps.Auditor != nil {
			rec := models.ActionRecord{
				Lobby:         code,
				ActionType:    "game_over",
				ActionPayload: map[string]interface{}{"result": result, "remainingSeconds": o.RemainingSeconds},
				Applied:       true,
				Timestamp:     o.FinishedAt,
			}
			if err := d.deps.Auditor.Publish(ctx, rec); err != nil {
				d.log.WithError(err).Warnf("failed to publish game over for lobby %s", code)
			}
		}
		if d.deps.Recorder == nil {
			return nil
		}
		return d.deps.Recorder.RecordOutcome(ctx, o)
	})
	return err
}

func outcomeOf(code string, l *models.Lobby, result string, now time.Time) models.Outcome {
	o := models.Outcome{
		Lobby:            code,
		Result:           result,
		RemainingSeconds: timer.Remaining(l.Timer, now),
		Penalties:        l.Timer.Penalty.Count,
		StartedAt:        l.StartTime,
		FinishedAt:       clock.Millis(now),
	}
	for id := range l.Players {
		o.Players = append(o.Players, id)
	}
	sort.Strings(o.Players)
	if p, ok := l.Leader(); ok {
		o.Leader = p.ID
	}
	return o
}

// Forget stops the callbacks armed for a lobby.
func (d *Director) Forget(code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.lobbys[code]
	if !ok {
		return
	}
	for _, t := range s.clues {
		t.Stop()
	}
	if s.expiry != nil {
		s.expiry.Stop()
	}
	delete(d.lobbys, code)
}

// Close stops every armed callback.
func (d *Director) Close() {
	d.mu.Lock()
	codes := make([]string, 0, len(d.lobbys))
	for code := range d.lobbys {
		codes = append(codes, code)
	}
	d.mu.Unlock()
	for _, code := range codes {
		d.Forget(code)
	}
}
