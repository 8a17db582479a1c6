// internal/lobby/lobby.go
package lobby

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// LobbyConnection is a single player's live WebSocket session in a lobby.
//
// Lobby snapshots do not queue: each one replaces the last in a single slot and
// Wake tells the writer one is waiting, so a slow socket only ever skips stale
// state. Everything else goes through OutChan in order.
type LobbyConnection struct {
	PlayerID string
	Name     string
	Cancel   func()
	OutChan  chan map[string]interface{}
	Wake     chan struct{}
	Log      logrus.FieldLogger

	mu       sync.Mutex
	snapshot map[string]interface{}
}

// NewLobbyConnection builds a connection with a buffered outbound queue.
func NewLobbyConnection(playerID, name string, cancel func(), log logrus.FieldLogger) *LobbyConnection {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LobbyConnection{
		PlayerID: playerID,
		Name:     name,
		Cancel:   cancel,
		OutChan:  make(chan map[string]interface{}, 32),
		Wake:     make(chan struct{}, 1),
		Log:      log,
	}
}

// SetSnapshot replaces the pending snapshot with msg.
func (conn *LobbyConnection) SetSnapshot(msg map[string]interface{}) {
	conn.mu.Lock()
	conn.snapshot = msg
	conn.mu.Unlock()
	select {
	case conn.Wake <- struct{}{}:
	default:
	}
}

// TakeSnapshot returns the pending snapshot, if any, and empties the slot.
func (conn *LobbyConnection) TakeSnapshot() (map[string]interface{}, bool) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	msg := conn.snapshot
	conn.snapshot = nil
	return msg, msg != nil
}

// Send queues msg, waiting for room until ctx ends.
func (conn *LobbyConnection) Send(ctx context.Context, msg map[string]interface{}) error {
	select {
	case conn.OutChan <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteError is a convenience to send an error object.
func (conn *LobbyConnection) WriteError(ctx context.Context, msg string) error {
	return conn.Send(ctx, map[string]interface{}{
		"type":    "error",
		"message": msg,
	})
}

// WriteRetryable reports a store failure the client may retry.
func (conn *LobbyConnection) WriteRetryable(ctx context.Context, msg string) error {
	return conn.Send(ctx, map[string]interface{}{
		"type":      "error",
		"message":   msg,
		"retryable": true,
	})
}
