package trigger

import "sync"

// Gate remembers which local-only effects an observer has already performed, so
// repeated snapshot deliveries do not replay them.
type Gate struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{seen: make(map[string]struct{})}
}

// Once reports true the first time it is called with key.
func (g *Gate) Once(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[key]; ok {
		return false
	}
	g.seen[key] = struct{}{}
	return true
}

// Seen reports whether key has passed the gate.
func (g *Gate) Seen(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[key]
	return ok
}
