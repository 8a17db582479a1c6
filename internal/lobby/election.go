// internal/lobby/election.go
package lobby

import (
	"context"
	"fmt"
	"sort"

	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/sirupsen/logrus"
)

// VoteResult describes the outcome of one vote mutation.
type VoteResult struct {
	// Applied is false when the vote was ignored, for example from an unknown player.
	Applied bool
	// Withdrawn is true when the voter re-voted for the same candidate.
	Withdrawn bool
	// Elected is true when this vote crossed the majority threshold.
	Elected bool
	// Leader is the selected leader after the vote, if any.
	Leader string
}

// Threshold is the number of votes needed to win among n players: ceil(n/2).
func Threshold(n int) int {
	return (n + 1) / 2
}

// Tally counts voters per candidate from the presence map.
func Tally(votes map[string]map[string]bool) map[string]int {
	out := make(map[string]int, len(votes))
	for candidate, voters := range votes {
		for _, present := range voters {
			if present {
				out[candidate]++
			}
		}
	}
	return out
}

func votesOf(root map[string]any) (map[string]map[string]bool, error) {
	votes := map[string]map[string]bool{}
	if err := store.Decode(root["leaderVotes"], &votes); err != nil {
		return nil, fmt.Errorf("decode leader votes: %w", err)
	}
	return votes, nil
}

// CastVote records voterID's vote for candidateID. Voting for the current choice
// again withdraws it; voting for someone else moves it. After every change the
// tallies are recomputed and, if no leader is selected yet, the first candidate at
// or above the threshold becomes the only player with isLeader=true. The whole step
// is a single transaction, so two leaders are never visible at once.
func (m *LobbyManager) CastVote(ctx context.Context, code, voterID, candidateID string) (VoteResult, error) {
	var res VoteResult
	_, err := m.transact(ctx, code, func(root map[string]any) error {
		res = VoteResult{}
		players, err := roster(root)
		if err != nil {
			return err
		}
		voter, ok := players[voterID]
		if !ok {
			return store.ErrAbort
		}
		if _, ok := players[candidateID]; !ok {
			return store.ErrAbort
		}

		votes, err := votesOf(root)
		if err != nil {
			return err
		}
		if voter.VotedFor == candidateID {
			res.Withdrawn = true
			delete(votes[candidateID], voterID)
			if err := put(root, "leaderVotes/"+candidateID+"/"+voterID, nil); err != nil {
				return err
			}
			if err := put(root, "players/"+voterID+"/votedFor", nil); err != nil {
				return err
			}
		} else {
			if voter.VotedFor != "" {
				delete(votes[voter.VotedFor], voterID)
				if err := put(root, "leaderVotes/"+voter.VotedFor+"/"+voterID, nil); err != nil {
					return err
				}
			}
			if votes[candidateID] == nil {
				votes[candidateID] = map[string]bool{}
			}
			votes[candidateID][voterID] = true
			if err := put(root, "leaderVotes/"+candidateID+"/"+voterID, true); err != nil {
				return err
			}
			if err := put(root, "players/"+voterID+"/votedFor", candidateID); err != nil {
				return err
			}
		}
		res.Applied = true

		if leader, _ := root["selectedLeader"].(string); leader != "" {
			res.Leader = leader
			return nil
		}

		tally := Tally(votes)
		need := Threshold(len(players))
		winner := ""
		if !res.Withdrawn && tally[candidateID] >= need {
			winner = candidateID
		} else {
			// A leave can lower the threshold under an existing tally.
			candidates := make([]string, 0, len(tally))
			for c := range tally {
				candidates = append(candidates, c)
			}
			sort.Strings(candidates)
			for _, c := range candidates {
				if _, present := players[c]; present && tally[c] >= need {
					winner = c
					break
				}
			}
		}
		if winner == "" {
			return nil
		}

		root["selectedLeader"] = winner
		for id := range players {
			if err := put(root, "players/"+id+"/isLeader", id == winner); err != nil {
				return err
			}
		}
		res.Elected = true
		res.Leader = winner
		return nil
	})
	if err != nil {
		return VoteResult{}, err
	}
	if res.Elected {
		m.log.WithFields(logrus.Fields{"lobby": code, "leader": res.Leader}).Infof("leader elected")
	}
	return res, nil
}

// ResetVotes clears every vote, the selected leader and all isLeader flags.
// Host only; other callers get applied=false.
func (m *LobbyManager) ResetVotes(ctx context.Context, code, hostID string) (bool, error) {
	applied, err := m.transact(ctx, code, func(root map[string]any) error {
		players, err := roster(root)
		if err != nil {
			return err
		}
		if !players[hostID].IsHost {
			return store.ErrAbort
		}
		delete(root, "leaderVotes")
		delete(root, "selectedLeader")
		for id := range players {
			if err := put(root, "players/"+id+"/votedFor", nil); err != nil {
				return err
			}
			if err := put(root, "players/"+id+"/isLeader", false); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil && applied {
		m.log.WithField("lobby", code).Infof("votes reset by host %s", hostID)
	}
	return applied, err
}
