// internal/database/archive.go
package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/escaperoom/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS game_outcomes (
	lobby_code        TEXT        NOT NULL,
	started_at        BIGINT      NOT NULL,
	result            TEXT        NOT NULL,
	leader_id         TEXT,
	remaining_seconds INTEGER     NOT NULL DEFAULT 0,
	penalties         INTEGER     NOT NULL DEFAULT 0,
	finished_at       BIGINT      NOT NULL,
	recorded_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (lobby_code, started_at)
);

CREATE TABLE IF NOT EXISTS outcome_players (
	lobby_code TEXT   NOT NULL,
	started_at BIGINT NOT NULL,
	player_id  TEXT   NOT NULL,
	PRIMARY KEY (lobby_code, started_at, player_id),
	FOREIGN KEY (lobby_code, started_at) REFERENCES game_outcomes (lobby_code, started_at) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS lobby_actions (
	lobby_code     TEXT        NOT NULL,
	action_index   BIGINT      NOT NULL,
	actor_id       TEXT        NOT NULL,
	action_type    TEXT        NOT NULL,
	action_payload JSONB       NOT NULL DEFAULT '{}',
	applied        BOOLEAN     NOT NULL,
	occurred_at    BIGINT      NOT NULL,
	PRIMARY KEY (lobby_code, action_index)
);
`

// Archive persists finished games and the action log.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive wraps pool.
func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// EnsureSchema creates the archive tables when they are missing.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// RecordOutcome stores o and its roster. Recording the same game twice keeps the first result.
func (a *Archive) RecordOutcome(ctx context.Context, o models.Outcome) error {
	err := pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			INSERT INTO game_outcomes (lobby_code, started_at, result, leader_id, remaining_seconds, penalties, finished_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
			ON CONFLICT (lobby_code, started_at) DO NOTHING
		`
		tag, err := tx.Exec(ctx, q, o.Lobby, o.StartedAt, o.Result, o.Leader, o.RemainingSeconds, o.Penalties, o.FinishedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		for _, id := range o.Players {
			q := `
				INSERT INTO outcome_players (lobby_code, started_at, player_id)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
			`
			if _, err := tx.Exec(ctx, q, o.Lobby, o.StartedAt, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", o.Lobby, err)
	}
	return nil
}

// GetOutcome loads the outcome of the game in lobby started at startedAt.
func (a *Archive) GetOutcome(ctx context.Context, lobby string, startedAt int64) (models.Outcome, error) {
	o := models.Outcome{Lobby: lobby, StartedAt: startedAt}
	var leader *string
	q := `
		SELECT result, leader_id, remaining_seconds, penalties, finished_at
		FROM game_outcomes
		WHERE lobby_code = $1 AND started_at = $2
	`
	err := a.pool.QueryRow(ctx, q, lobby, startedAt).Scan(&o.Result, &leader, &o.RemainingSeconds, &o.Penalties, &o.FinishedAt)
	if err != nil {
		return o, err
	}
	if leader != nil {
		o.Leader = *leader
	}

	rows, err := a.pool.Query(ctx, `SELECT player_id FROM outcome_players WHERE lobby_code = $1 AND started_at = $2 ORDER BY player_id`, lobby, startedAt)
	if err != nil {
		return o, err
	}
	o.Players, err = pgx.CollectRows(rows, pgx.RowTo[string])
	return o, err
}

// InsertActions writes a batch of action records in one transaction. Records already
// stored are skipped so a replayed batch is harmless.
func (a *Archive) InsertActions(ctx context.Context, recs []models.ActionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			INSERT INTO lobby_actions (lobby_code, action_index, actor_id, action_type, action_payload, applied, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (lobby_code, action_index) DO NOTHING
		`
		for _, rec := range recs {
			payload, err := json.Marshal(rec.ActionPayload)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, q, rec.Lobby, rec.ActionIndex, rec.ActorID, rec.ActionType, payload, rec.Applied, rec.Timestamp); err != nil {
				return fmt.Errorf("insert action %d of %s: %w", rec.ActionIndex, rec.Lobby, err)
			}
		}
		return nil
	})
}
