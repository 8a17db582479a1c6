package handlers

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/lobby"
)

// track remembers a lobby this process has served so the reaper visits it even
// after every local socket is gone.
func (s *Server) track(code string) {
	s.mu.Lock()
	s.known[code] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) trackedCodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, 0, len(s.known))
	for c := range s.known {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

func (s *Server) forget(code string) {
	s.mu.Lock()
	delete(s.known, code)
	s.mu.Unlock()
	s.Director.Forget(code)
}

// Reap removes players idle for longer than timeout from every tracked lobby and
// returns how many were removed. Lobbies that no longer exist stop being tracked.
func (s *Server) Reap(ctx context.Context, timeout time.Duration) int {
	total := 0
	for _, code := range s.trackedCodes() {
		reaped, err := s.Lobbies.ReapIdle(ctx, code, timeout)
		total += len(reaped)
		switch {
		case errors.Is(err, lobby.ErrLobbyNotFound):
			s.forget(code)
		case err != nil:
			s.log.WithField("lobby", code).Warnf("Reaping idle players failed: %v", err)
		}
	}
	return total
}

// RunReaper sweeps idle players every interval until ctx is done.
func (s *Server) RunReaper(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 || timeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Reap(ctx, timeout); n > 0 {
				s.log.Infof("Reaper removed %d idle players", n)
			}
		}
	}
}
