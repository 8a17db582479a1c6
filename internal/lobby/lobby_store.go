// internal/lobby/lobby_store.go
package lobby

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ConnectionStore tracks the live sessions this process serves, keyed by room code
// and player id. The shared lobby tree lives in the store package; this is only the
// local view of who is connected here.
type ConnectionStore struct {
	mu    sync.Mutex
	conns map[string]map[string]*LobbyConnection
	log   logrus.FieldLogger
}

// NewConnectionStore initializes and returns an empty ConnectionStore.
func NewConnectionStore(log logrus.FieldLogger) *ConnectionStore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ConnectionStore{
		conns: make(map[string]map[string]*LobbyConnection),
		log:   log,
	}
}

// Add registers conn. A previous session of the same player is cancelled, so a
// reloaded tab replaces its old socket.
func (s *ConnectionStore) Add(code string, conn *LobbyConnection) {
	s.mu.Lock()
	byPlayer, ok := s.conns[code]
	if !ok {
		byPlayer = make(map[string]*LobbyConnection)
		s.conns[code] = byPlayer
	}
	old := byPlayer[conn.PlayerID]
	byPlayer[conn.PlayerID] = conn
	s.mu.Unlock()

	if old != nil && old != conn {
		s.log.Infof("ConnectionStore: player %s re-established a connection to lobby %s; closing the old one.", conn.PlayerID, code)
		if old.Cancel != nil {
			old.Cancel()
		}
	}
}

// Remove unregisters conn if it is still the current session for its player.
func (s *ConnectionStore) Remove(code string, conn *LobbyConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPlayer, ok := s.conns[code]
	if !ok {
		return
	}
	if byPlayer[conn.PlayerID] == conn {
		delete(byPlayer, conn.PlayerID)
	}
	if len(byPlayer) == 0 {
		delete(s.conns, code)
	}
}

// Get returns the current session of a player.
func (s *ConnectionStore) Get(code, playerID string) (*LobbyConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[code][playerID]
	return c, ok
}

// Count reports how many sessions are open for a lobby.
func (s *ConnectionStore) Count(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[code])
}

// Codes returns the room codes with at least one local session, sorted.
func (s *ConnectionStore) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for code := range s.conns {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
