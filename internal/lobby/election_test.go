package lobby

import (
	"context"
	"math/rand"
	"testing"

	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreshold(t *testing.T) {
	assert.Equal(t, 1, Threshold(1))
	assert.Equal(t, 1, Threshold(2))
	assert.Equal(t, 2, Threshold(3))
	assert.Equal(t, 2, Threshold(4))
	assert.Equal(t, 3, Threshold(5))
}

func TestSinglePlayerElectsThemselves(t *testing.T) {
	f := setupLobby(t, "Solo")
	res, err := f.mgr.CastVote(context.Background(), f.code, f.ids[0], f.ids[0])
	require.NoError(t, err)
	assert.True(t, res.Elected)
	assert.True(t, f.lobby(t).IsLeader(f.ids[0]))
}

func TestMajorityOfFour(t *testing.T) {
	f := setupLobby(t, "P1", "P2", "P3", "P4")
	ctx := context.Background()
	candidate := f.ids[0]

	res, err := f.mgr.CastVote(ctx, f.code, f.ids[1], candidate)
	require.NoError(t, err)
	assert.False(t, res.Elected)

	// ceil(4/2) = 2, so the second vote selects.
	res, err = f.mgr.CastVote(ctx, f.code, f.ids[2], candidate)
	require.NoError(t, err)
	assert.True(t, res.Elected)
	assert.Equal(t, candidate, f.lobby(t).SelectedLeader)
}

func TestMajorityOfFiveNeedsThree(t *testing.T) {
	f := setupLobby(t, "P1", "P2", "P3", "P4", "P5")
	ctx := context.Background()
	candidate := f.ids[4]

	for _, voter := range f.ids[:2] {
		res, err := f.mgr.CastVote(ctx, f.code, voter, candidate)
		require.NoError(t, err)
		assert.False(t, res.Elected)
	}
	assert.Empty(t, f.lobby(t).SelectedLeader)

	res, err := f.mgr.CastVote(ctx, f.code, f.ids[2], candidate)
	require.NoError(t, err)
	assert.True(t, res.Elected)
}

func TestWithdrawAndMoveVote(t *testing.T) {
	f := setupLobby(t, "P1", "P2", "P3", "P4", "P5")
	ctx := context.Background()
	a, b := f.ids[0], f.ids[1]

	res, err := f.mgr.CastVote(ctx, f.code, f.ids[2], a)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = f.mgr.CastVote(ctx, f.code, f.ids[2], a)
	require.NoError(t, err)
	assert.True(t, res.Withdrawn)
	l := f.lobby(t)
	assert.Empty(t, l.Players[f.ids[2]].VotedFor)
	assert.Equal(t, 0, Tally(l.LeaderVotes)[a])

	_, err = f.mgr.CastVote(ctx, f.code, f.ids[2], a)
	require.NoError(t, err)
	_, err = f.mgr.CastVote(ctx, f.code, f.ids[2], b)
	require.NoError(t, err)
	l = f.lobby(t)
	assert.Equal(t, b, l.Players[f.ids[2]].VotedFor)
	tally := Tally(l.LeaderVotes)
	assert.Equal(t, 0, tally[a])
	assert.Equal(t, 1, tally[b])
}

func TestVoteFromUnknownPlayerIgnored(t *testing.T) {
	f := setupLobby(t, "P1", "P2")
	res, err := f.mgr.CastVote(context.Background(), f.code, "ghost", f.ids[0])
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Empty(t, f.lobby(t).LeaderVotes)
}

func TestLeaderMonotonicUntilReset(t *testing.T) {
	f := setupLobby(t, "P1", "P2", "P3", "P4", "P5", "P6")
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	leader := ""
	for i := 0; i < 200; i++ {
		voter := f.ids[rng.Intn(len(f.ids))]
		candidate := f.ids[rng.Intn(len(f.ids))]
		_, err := f.mgr.CastVote(ctx, f.code, voter, candidate)
		require.NoError(t, err)

		l := f.lobby(t)
		leaders := 0
		for _, p := range l.Players {
			if p.IsLeader {
				leaders++
			}
		}
		if leader == "" {
			leader = l.SelectedLeader
		}
		if leader != "" {
			assert.Equal(t, leader, l.SelectedLeader)
			assert.Equal(t, 1, leaders)
			assert.True(t, l.IsLeader(leader))
		} else {
			assert.Equal(t, 0, leaders)
		}
	}
	require.NotEmpty(t, leader)

	applied, err := f.mgr.ResetVotes(ctx, f.code, f.ids[1])
	require.NoError(t, err)
	assert.False(t, applied, "only the host may reset")

	applied, err = f.mgr.ResetVotes(ctx, f.code, f.ids[0])
	require.NoError(t, err)
	assert.True(t, applied)
	l := f.lobby(t)
	assert.Empty(t, l.SelectedLeader)
	assert.Empty(t, l.LeaderVotes)
	for _, p := range l.Players {
		assert.False(t, p.IsLeader)
		assert.Empty(t, p.VotedFor)
	}
}

func TestDepartedVotesKeepCountingByDefault(t *testing.T) {
	f := setupLobby(t, "P1", "P2", "P3", "P4", "P5")
	ctx := context.Background()
	candidate := f.ids[0]

	_, err := f.mgr.CastVote(ctx, f.code, f.ids[3], candidate)
	require.NoError(t, err)
	_, err = f.mgr.Leave(ctx, f.code, f.ids[3])
	require.NoError(t, err)

	// Four players remain, threshold 2: the departed vote plus one more selects.
	res, err := f.mgr.CastVote(ctx, f.code, f.ids[1], candidate)
	require.NoError(t, err)
	assert.True(t, res.Elected)
}

func TestPruneVotesOnLeave(t *testing.T) {
	f := setupLobby(t, "P1", "P2", "P3", "P4", "P5")
	ctx := context.Background()
	candidate := f.ids[0]

	applied, err := f.mgr.UpdateSettings(ctx, f.code, f.ids[0], settingsWithPrune())
	require.NoError(t, err)
	require.True(t, applied)

	_, err = f.mgr.CastVote(ctx, f.code, f.ids[3], candidate)
	require.NoError(t, err)
	_, err = f.mgr.Leave(ctx, f.code, f.ids[3])
	require.NoError(t, err)
	assert.Equal(t, 0, Tally(f.lobby(t).LeaderVotes)[candidate])

	res, err := f.mgr.CastVote(ctx, f.code, f.ids[1], candidate)
	require.NoError(t, err)
	assert.False(t, res.Elected)
}

func TestLeaveClearsVotedForReferences(t *testing.T) {
	f := setupLobby(t, "P1", "P2", "P3")
	ctx := context.Background()
	_, err := f.mgr.CastVote(ctx, f.code, f.ids[1], f.ids[2])
	require.NoError(t, err)
	_, err = f.mgr.Leave(ctx, f.code, f.ids[2])
	require.NoError(t, err)
	assert.Empty(t, f.lobby(t).Players[f.ids[1]].VotedFor)
}

func TestVoteRejectsCorruptTallies(t *testing.T) {
	f := setupLobby(t, "P1", "P2")
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, store.LobbyPath(f.code, "leaderVotes"), "garbage"))

	_, err := f.mgr.CastVote(ctx, f.code, f.ids[1], f.ids[0])
	assert.Error(t, err)
	v, err := f.store.Get(ctx, store.LobbyPath(f.code, "players", f.ids[1], "votedFor"))
	require.NoError(t, err)
	assert.Nil(t, v, "nothing is written from tallies that could not be read")
}
