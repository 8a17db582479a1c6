package models

import "sort"

// Player is one participant stored under lobbies/{code}/players/{id}.
type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsHost   bool   `json:"isHost"`
	IsLeader bool   `json:"isLeader"`
	IsReady  bool   `json:"isReady"`

	// VotedFor is the candidate this player currently backs; empty means no vote.
	VotedFor string `json:"votedFor,omitempty"`

	JoinedAt   int64 `json:"joinedAt"`
	LastActive int64 `json:"lastActive"`
}

// SortByJoin orders players by joinedAt, breaking ties by id.
func SortByJoin(players map[string]Player) []Player {
	out := make([]Player, 0, len(players))
	for _, p := range players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
