package game

import (
	"testing"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/chat"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/puzzle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFullEscape plays a three player game from election to the disarm key.
func TestFullEscape(t *testing.T) {
	h := setupHarness(t, "Alice", "Bob", "Carol")
	leader, bob, carol := h.ids[0], h.ids[1], h.ids[2]

	r := h.do(t, bob, Command{Type: CmdVote, Candidate: leader})
	require.NotNil(t, r.Vote)
	assert.False(t, r.Vote.Elected, "one vote of three is below the threshold")
	r = h.do(t, carol, Command{Type: CmdVote, Candidate: leader})
	assert.True(t, r.Vote.Elected)
	assert.Equal(t, leader, r.Vote.Leader)

	h.start(t)
	l := h.lobby(t)
	require.Equal(t, models.PhaseLogin, l.GamePhase)
	require.True(t, l.VideoEnded)
	require.True(t, l.Timer.IsRunning)

	// A wrong login wakes the hacker up once for everyone.
	r = h.login(t, "guest", "guest")
	assert.True(t, r.Input.Submitted)
	assert.False(t, r.Input.Solved)
	cues := h.rounds(t, 2)
	for _, id := range h.ids {
		assert.Equal(t, 1, cues[id][CueHackerFirstMessage], "player %s", id)
	}
	h.clock.Advance(2 * time.Second)

	a := puzzle.DefaultAnswers()
	r = h.login(t, a.Username, a.Password)
	require.True(t, r.Input.Solved)
	require.Equal(t, models.PhaseDesktop, h.lobby(t).GamePhase)

	cues = h.rounds(t, 4)
	for _, id := range h.ids {
		assert.Equal(t, 1, cues[id][CueHackerLoginAudio], "player %s", id)
		assert.Equal(t, 1, cues[id][CueHackerDesktopMessage], "player %s", id)
	}
	assert.True(t, chat.HasText(h.chat(t), chat.DefaultScript().DesktopTaunt))

	// Followers cannot type into the firewall.
	r = h.do(t, bob, Command{Type: CmdInputActivate, Puzzle: puzzle.Firewall})
	assert.False(t, r.Applied)

	r = h.enter(t, puzzle.Firewall, "123")
	require.NotNil(t, r.Input.Penalty)
	assert.Equal(t, 120, r.Input.Penalty.Amount)
	assert.Equal(t, 1, r.Input.Penalty.Count)
	l = h.lobby(t)
	assert.Equal(t, 3600-120, l.Timer.Duration)
	assert.Equal(t, puzzle.FirewallError, l.FirewallState.Error)

	cues = h.rounds(t, 2)
	for _, id := range h.ids {
		assert.Equal(t, 1, cues[id][CuePenalty], "player %s", id)
	}
	assert.False(t, h.lobby(t).Timer.Penalty.Active)

	h.clock.Advance(1500 * time.Millisecond)
	l = h.lobby(t)
	assert.Empty(t, l.FirewallState.Error)
	assert.Empty(t, l.FirewallState.Value)

	r = h.enter(t, puzzle.Firewall, a.FirewallCode)
	require.True(t, r.Input.Solved)
	assert.Nil(t, r.Input.Penalty)
	r = h.enter(t, puzzle.Firewall, a.FirewallCode)
	assert.False(t, r.Applied, "a solved firewall stays solved")

	cues = h.rounds(t, 2)
	for _, id := range h.ids {
		assert.Equal(t, 1, cues[id][CueFirewallUnlocked], "player %s", id)
	}
	drops := 0
	for _, m := range h.chat(t) {
		if m.IsFile {
			drops++
		}
	}
	assert.Equal(t, 1, drops)
	assert.Equal(t, 1, h.lobby(t).Timer.Penalty.Count)

	require.True(t, h.do(t, leader, Command{Type: CmdDesktop, Window: puzzle.WindowFileExplorer, Open: true}).Applied)
	r = h.do(t, leader, Command{Type: CmdFsOpen, Path: puzzle.DisarmKeyPath})
	require.NotNil(t, r.Open)
	assert.True(t, r.Open.NeedsKeypad)

	r = h.enter(t, puzzle.Keypad, a.KeypadCode)
	require.True(t, r.Input.Solved)

	h.do(t, leader, Command{Type: CmdFsClose})
	r = h.do(t, leader, Command{Type: CmdFsOpen, Path: puzzle.DisarmKeyPath})
	require.True(t, r.Open.Escaped)

	cues = h.rounds(t, 2)
	for _, id := range h.ids {
		assert.Equal(t, 1, cues[id][CueKeypadUnlocked], "player %s", id)
		assert.Equal(t, 1, cues[id][CueEscaped], "player %s", id)
		assert.Zero(t, cues[id][CueTimeUp])
	}

	l = h.lobby(t)
	assert.Equal(t, models.PhaseEscaped, l.GamePhase)
	assert.False(t, l.Timer.IsRunning)

	outcomes := h.recorder.all()
	require.Len(t, outcomes, 1)
	o := outcomes[0]
	assert.Equal(t, models.ResultEscaped, o.Result)
	assert.Equal(t, leader, o.Leader)
	assert.Len(t, o.Players, 3)
	assert.Equal(t, 1, o.Penalties)
	assert.Equal(t, l.StartTime, o.StartedAt)

	assert.Eventually(t, func() bool {
		types := h.auditor.types()
		return contains(types, "game_over") && contains(types, CmdFsOpen) && contains(types, CmdVote)
	}, time.Second, 10*time.Millisecond)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
