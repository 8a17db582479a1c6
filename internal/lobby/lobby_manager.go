// internal/lobby/lobby_manager.go
package lobby

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/jason-s-yu/escaperoom/internal/timer"
	"github.com/sirupsen/logrus"
)

const (
	maxCodeAttempts = 10

	// introLeadIn is the delay between the host pressing start and the intro video.
	introLeadIn = 5 * time.Second

	maxTimeLimitMinutes = 180
)

// LobbyManager owns membership, readiness, host actions and the leader election of
// every lobby in a shared store. Each operation is one transaction on the lobby
// root, so concurrent sessions never observe a half-applied change.
type LobbyManager struct {
	store    store.Store
	clock    clock.Clock
	log      logrus.FieldLogger
	defaults models.Settings
}

// NewLobbyManager creates and returns a new LobbyManager.
func NewLobbyManager(s store.Store, c clock.Clock, log logrus.FieldLogger, defaults models.Settings) *LobbyManager {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if defaults.TimeLimitMinutes <= 0 {
		defaults.TimeLimitMinutes = models.DefaultSettings().TimeLimitMinutes
	}
	return &LobbyManager{store: s, clock: c, log: log, defaults: defaults}
}

func (m *LobbyManager) now() int64 {
	return clock.Millis(m.clock.Now())
}

// put writes v at rel inside a lobby root owned by the current transaction.
func put(root map[string]any, rel string, v any) error {
	_, err := store.WithChild(root, rel, v)
	return err
}

func roster(root map[string]any) (map[string]models.Player, error) {
	players := map[string]models.Player{}
	if err := store.Decode(root["players"], &players); err != nil {
		return nil, fmt.Errorf("decode players: %w", err)
	}
	return players, nil
}

func settingsOf(root map[string]any) (models.Settings, error) {
	var s models.Settings
	if err := store.Decode(root["settings"], &s); err != nil {
		return s, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

// transact runs fn on the lobby root. fn returns store.ErrAbort to leave it untouched;
// emptying the root destroys the lobby.
func (m *LobbyManager) transact(ctx context.Context, code string, fn func(root map[string]any) error) (bool, error) {
	var missing bool
	_, committed, err := m.store.Transact(ctx, store.LobbyPath(code), func(current any) (any, error) {
		root, ok := current.(map[string]any)
		missing = !ok
		if missing {
			return nil, store.ErrAbort
		}
		if err := fn(root); err != nil {
			return nil, err
		}
		if len(root) == 0 {
			return nil, nil
		}
		return root, nil
	})
	if err != nil {
		return false, err
	}
	if missing {
		return false, ErrLobbyNotFound
	}
	return committed, nil
}

// Get decodes the whole lobby.
func (m *LobbyManager) Get(ctx context.Context, code string) (*models.Lobby, error) {
	v, err := m.store.Get(ctx, store.LobbyPath(code))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrLobbyNotFound
	}
	l := &models.Lobby{Code: code}
	if err := store.Decode(v, l); err != nil {
		return nil, fmt.Errorf("decode lobby %s: %w", code, err)
	}
	return l, nil
}

// Exists reports whether a lobby root is present.
func (m *LobbyManager) Exists(ctx context.Context, code string) (bool, error) {
	v, err := m.store.Get(ctx, store.LobbyPath(code, "createdAt"))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (m *LobbyManager) newPlayer(name string, host bool) models.Player {
	now := m.now()
	return models.Player{
		ID:         uuid.NewString(),
		Name:       name,
		IsHost:     host,
		JoinedAt:   now,
		LastActive: now,
	}
}

// Create allocates a fresh room code and writes the lobby root with its host.
func (m *LobbyManager) Create(ctx context.Context, hostName string) (string, models.Player, error) {
	name := strings.TrimSpace(hostName)
	if name == "" {
		return "", models.Player{}, ErrNameRequired
	}
	host := m.newPlayer(name, true)
	settings := m.defaults

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := NewRoomCode()
		if err != nil {
			return "", models.Player{}, err
		}
		_, created, err := m.store.Transact(ctx, store.LobbyPath(code), func(current any) (any, error) {
			if current != nil {
				return nil, store.ErrAbort
			}
			return map[string]any{
				"createdAt": store.ServerTimestamp,
				"gameState": models.GameStateLobby,
				"gamePhase": models.PhaseIntro,
				"settings":  settings,
				"timer":     timer.NotStarted(settings.TimeLimitMinutes * 60),
				"players":   map[string]any{host.ID: host},
			}, nil
		})
		if err != nil {
			return "", models.Player{}, fmt.Errorf("create lobby: %w", err)
		}
		if created {
			m.log.WithFields(logrus.Fields{"lobby": code, "player": host.ID}).Infof("lobby created by %s", name)
			return code, host, nil
		}
		m.log.Debugf("LobbyManager: room code %s already taken, retrying", code)
	}
	return "", models.Player{}, ErrCodeExhausted
}

// Join adds a player to an existing lobby. The first player to join a lobby that has
// lost its host becomes host.
func (m *LobbyManager) Join(ctx context.Context, code, name string) (models.Player, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Player{}, ErrNameRequired
	}
	var p models.Player
	_, err := m.transact(ctx, code, func(root map[string]any) error {
		players, err := roster(root)
		if err != nil {
			return err
		}
		hasHost := false
		for _, other := range players {
			hasHost = hasHost || other.IsHost
		}
		p = m.newPlayer(name, !hasHost)
		return put(root, "players/"+p.ID, p)
	})
	if err != nil {
		return models.Player{}, err
	}
	m.log.WithFields(logrus.Fields{"lobby": code, "player": p.ID}).Infof("%s joined", name)
	return p, nil
}

// Leave removes a player. The earliest-joined survivor inherits the host role, votes
// that name the leaver as votedFor are cleared, and an empty roster destroys the lobby.
// The leaver's tallies stay in leaderVotes unless settings.pruneVotesOnLeave is set.
func (m *LobbyManager) Leave(ctx context.Context, code, playerID string) (bool, error) {
	var destroyed, removed bool
	_, err := m.transact(ctx, code, func(root map[string]any) error {
		destroyed, removed = false, false
		players, err := roster(root)
		if err != nil {
			return err
		}
		leaver, ok := players[playerID]
		if !ok {
			return store.ErrAbort
		}
		removed = true
		delete(players, playerID)
		if err := put(root, "players/"+playerID, nil); err != nil {
			return err
		}

		if len(players) == 0 {
			for k := range root {
				delete(root, k)
			}
			destroyed = true
			return nil
		}

		hasHost := false
		for id, p := range players {
			hasHost = hasHost || p.IsHost
			if p.VotedFor == playerID {
				if err := put(root, "players/"+id+"/votedFor", nil); err != nil {
					return err
				}
			}
		}
		if leaver.IsHost || !hasHost {
			heir := models.SortByJoin(players)[0]
			if err := put(root, "players/"+heir.ID+"/isHost", true); err != nil {
				return err
			}
		}

		settings, err := settingsOf(root)
		if err != nil {
			return err
		}
		if settings.PruneVotesOnLeave {
			return pruneVotes(root, playerID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		m.log.WithFields(logrus.Fields{"lobby": code, "player": playerID, "destroyed": destroyed}).Infof("player left")
	}
	return destroyed, nil
}

// pruneVotes drops every vote cast by or for playerID.
func pruneVotes(root map[string]any, playerID string) error {
	if err := put(root, "leaderVotes/"+playerID, nil); err != nil {
		return err
	}
	votes, _ := root["leaderVotes"].(map[string]any)
	for candidate := range votes {
		if err := put(root, "leaderVotes/"+candidate+"/"+playerID, nil); err != nil {
			return err
		}
	}
	if leader, _ := root["selectedLeader"].(string); leader == playerID {
		delete(root, "selectedLeader")
	}
	return nil
}

// updatePlayer runs fn on one roster entry without recreating a removed player.
func (m *LobbyManager) updatePlayer(ctx context.Context, code, playerID string, fn func(p *models.Player)) error {
	var missing bool
	_, _, err := m.store.Transact(ctx, store.LobbyPath(code, "players", playerID), func(current any) (any, error) {
		missing = current == nil
		if missing {
			return nil, store.ErrAbort
		}
		var p models.Player
		if err := store.Decode(current, &p); err != nil {
			return nil, err
		}
		fn(&p)
		return p, nil
	})
	if err != nil {
		return err
	}
	if missing {
		return ErrPlayerNotFound
	}
	return nil
}

// Heartbeat refreshes lastActive.
func (m *LobbyManager) Heartbeat(ctx context.Context, code, playerID string) error {
	now := m.now()
	return m.updatePlayer(ctx, code, playerID, func(p *models.Player) {
		p.LastActive = now
	})
}

// SetReady flips a player's readiness flag.
func (m *LobbyManager) SetReady(ctx context.Context, code, playerID string, ready bool) error {
	now := m.now()
	return m.updatePlayer(ctx, code, playerID, func(p *models.Player) {
		p.IsReady = ready
		p.LastActive = now
	})
}

// StartGame moves the lobby to playing and schedules the intro. Host only; other
// callers and repeated starts are no-ops.
func (m *LobbyManager) StartGame(ctx context.Context, code, hostID string) (bool, error) {
	now := m.now()
	applied, err := m.transact(ctx, code, func(root map[string]any) error {
		players, err := roster(root)
		if err != nil {
			return err
		}
		if !players[hostID].IsHost {
			return store.ErrAbort
		}
		if state, _ := root["gameState"].(string); state == string(models.GameStatePlaying) {
			return store.ErrAbort
		}
		root["gameState"] = string(models.GameStatePlaying)
		root["startTime"] = now
		root["videoStartTime"] = now + introLeadIn.Milliseconds()
		root["videoEnded"] = false
		settings, err := settingsOf(root)
		if err != nil {
			return err
		}
		return resetTimerDuration(root, settings)
	})
	if err == nil && applied {
		m.log.WithField("lobby", code).Infof("game started by host %s", hostID)
	}
	return applied, err
}

// MarkVideoEnded records that the synchronized intro finished playing.
func (m *LobbyManager) MarkVideoEnded(ctx context.Context, code string) error {
	_, err := m.transact(ctx, code, func(root map[string]any) error {
		if state, _ := root["gameState"].(string); state != string(models.GameStatePlaying) {
			return store.ErrAbort
		}
		if ended, _ := root["videoEnded"].(bool); ended {
			return store.ErrAbort
		}
		root["videoEnded"] = true
		return nil
	})
	return err
}

// resetTimerDuration applies the configured time limit to a timer that has not started.
func resetTimerDuration(root map[string]any, s models.Settings) error {
	if started, _ := store.ChildOf(root, "timer/hasStarted").(bool); started {
		return nil
	}
	if s.TimeLimitMinutes <= 0 {
		return nil
	}
	return put(root, "timer", timer.NotStarted(s.TimeLimitMinutes*60))
}

// UpdateSettings replaces the lobby settings. Host only and only before the game starts.
func (m *LobbyManager) UpdateSettings(ctx context.Context, code, hostID string, s models.Settings) (bool, error) {
	if s.TimeLimitMinutes < 1 || s.TimeLimitMinutes > maxTimeLimitMinutes {
		return false, fmt.Errorf("%w: timeLimitMinutes must be between 1 and %d", ErrInvalidSettings, maxTimeLimitMinutes)
	}
	return m.transact(ctx, code, func(root map[string]any) error {
		players, err := roster(root)
		if err != nil {
			return err
		}
		if !players[hostID].IsHost {
			return store.ErrAbort
		}
		if state, _ := root["gameState"].(string); state != string(models.GameStateLobby) {
			return store.ErrAbort
		}
		if err := put(root, "settings", s); err != nil {
			return err
		}
		return resetTimerDuration(root, s)
	})
}

// ReapIdle removes players whose lastActive is older than timeout and returns their ids.
func (m *LobbyManager) ReapIdle(ctx context.Context, code string, timeout time.Duration) ([]string, error) {
	l, err := m.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	cutoff := m.now() - timeout.Milliseconds()
	var reaped []string
	for _, p := range models.SortByJoin(l.Players) {
		if p.LastActive >= cutoff {
			continue
		}
		destroyed, err := m.Leave(ctx, code, p.ID)
		if err != nil {
			return reaped, err
		}
		reaped = append(reaped, p.ID)
		if destroyed {
			break
		}
	}
	if len(reaped) > 0 {
		m.log.WithField("lobby", code).Infof("reaped %d idle players", len(reaped))
	}
	return reaped, nil
}
