package puzzle

import (
	"context"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
)

// followUpTimeout bounds the work that follows a committed command.
const followUpTimeout = 5 * time.Second

// detach returns a context for follow-up writes that does not end with the caller.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), followUpTimeout)
}

func phaseOf(root map[string]any) models.Phase {
	v, _ := root["gamePhase"].(float64)
	return models.Phase(v)
}

func solved(root map[string]any, key string) bool {
	v, _ := store.ChildOf(root, key+"/solved").(bool)
	return v
}

func isLeader(root map[string]any, playerID string) bool {
	v, _ := store.ChildOf(root, "players/"+playerID+"/isLeader").(bool)
	return playerID != "" && v
}

// rootTx runs fn on the lobby root without recreating a destroyed lobby.
// fn returns store.ErrAbort to leave the lobby untouched.
func rootTx(ctx context.Context, s store.Store, code string, fn func(root map[string]any) error) (bool, error) {
	var missing bool
	_, committed, err := s.Transact(ctx, store.LobbyPath(code), func(current any) (any, error) {
		root, ok := current.(map[string]any)
		missing = !ok
		if missing {
			return nil, store.ErrAbort
		}
		if err := fn(root); err != nil {
			return nil, err
		}
		return root, nil
	})
	if err != nil {
		return false, err
	}
	if missing {
		return false, lobby.ErrLobbyNotFound
	}
	return committed, nil
}

// leaderTx is rootTx restricted to the elected leader during the desktop phase.
func leaderTx(ctx context.Context, s store.Store, code, actorID string, fn func(root map[string]any) error) (bool, error) {
	return rootTx(ctx, s, code, func(root map[string]any) error {
		if !isLeader(root, actorID) || phaseOf(root) != models.PhaseDesktop {
			return store.ErrAbort
		}
		return fn(root)
	})
}

// updateIfExists merges fields into the lobby root when the lobby still exists.
func updateIfExists(ctx context.Context, s store.Store, code string, fields map[string]any) error {
	_, err := rootTx(ctx, s, code, func(root map[string]any) error {
		for k, v := range fields {
			if _, err := store.WithChild(root, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}
