package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/lobbyd/internal/models"
)

// Archive statuses of a lobby.
const (
	StatusOpen      = "open"
	StatusDeleted   = "deleted"
	StatusExpired   = "expired"
	StatusAbandoned = "abandoned"
)

const schema = `
CREATE TABLE IF NOT EXISTS lobby_archive (
	id           UUID PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'open',
	first_seen   TIMESTAMPTZ NOT NULL,
	last_event   TIMESTAMPTZ NOT NULL,
	last_version BIGINT NOT NULL DEFAULT 0,
	ended_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS lobby_events (
	lobby_id    UUID NOT NULL REFERENCES lobby_archive(id) ON DELETE CASCADE,
	version     BIGINT NOT NULL,
	type        TEXT NOT NULL,
	actor_id    TEXT,
	player_id   TEXT,
	payload     JSONB,
	occurred_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (lobby_id, version, type)
);
`

// ArchivedLobby is one row of lobby_archive.
type ArchivedLobby struct {
	ID          uuid.UUID
	Status      string
	FirstSeen   time.Time
	LastEvent   time.Time
	LastVersion int64
	EndedAt     *time.Time
}

// EnsureSchema creates the archive tables if they are missing.
func EnsureSchema(ctx context.Context) error {
	_, err := DB.Exec(ctx, schema)
	return err
}

// InsertLobbyEvents archives a batch of events in one transaction. Events
// already archived are skipped, so a redelivered batch is harmless.
func InsertLobbyEvents(ctx context.Context, events []models.LobbyEvent) error {
	if len(events) == 0 {
		return nil
	}
	return pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, ev := range events {
			if err := insertLobbyEventTx(ctx, tx, ev); err != nil {
				return fmt.Errorf("insert %s event for lobby %s: %w", ev.Type, ev.LobbyID, err)
			}
		}
		return nil
	})
}

func insertLobbyEventTx(ctx context.Context, tx pgx.Tx, ev models.LobbyEvent) error {
	at := time.UnixMilli(ev.Timestamp).UTC()

	upsertQ := `
		INSERT INTO lobby_archive (id, status, first_seen, last_event, last_version)
		VALUES ($1, 'open', $2, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET last_event   = GREATEST(lobby_archive.last_event, EXCLUDED.last_event),
		    last_version = GREATEST(lobby_archive.last_version, EXCLUDED.last_version)
	`
	if _, err := tx.Exec(ctx, upsertQ, ev.LobbyID, at, ev.Version); err != nil {
		return err
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	insertQ := `
		INSERT INTO lobby_events (lobby_id, version, type, actor_id, player_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`
	_, err = tx.Exec(ctx, insertQ, ev.LobbyID, ev.Version, string(ev.Type), ev.ActorID, ev.PlayerID, payload, at)
	if err != nil {
		return err
	}

	if ev.Type.Terminal() {
		status := StatusDeleted
		if ev.Type == models.EventExpired {
			status = StatusExpired
		}
		finalizeQ := `
			UPDATE lobby_archive
			SET status = $2, ended_at = $3
			WHERE id = $1 AND status = 'open'
		`
		if _, err := tx.Exec(ctx, finalizeQ, ev.LobbyID, status, at); err != nil {
			return err
		}
	}
	return nil
}

// GetArchivedLobby fetches the archive row of a lobby.
func GetArchivedLobby(ctx context.Context, lobbyID uuid.UUID) (*ArchivedLobby, error) {
	q := `
		SELECT id, status, first_seen, last_event, last_version, ended_at
		FROM lobby_archive
		WHERE id = $1
	`
	var a ArchivedLobby
	err := DB.QueryRow(ctx, q, lobbyID).Scan(&a.ID, &a.Status, &a.FirstSeen, &a.LastEvent, &a.LastVersion, &a.EndedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetLobbyHistory returns the archived events of a lobby in version order.
func GetLobbyHistory(ctx context.Context, lobbyID uuid.UUID) ([]models.LobbyEvent, error) {
	q := `
		SELECT lobby_id, version, type, COALESCE(actor_id, ''), COALESCE(player_id, ''), payload, occurred_at
		FROM lobby_events
		WHERE lobby_id = $1
		ORDER BY version, occurred_at
	`
	rows, err := DB.Query(ctx, q, lobbyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.LobbyEvent
	for rows.Next() {
		var (
			ev      models.LobbyEvent
			typ     string
			payload []byte
			at      time.Time
		)
		if err := rows.Scan(&ev.LobbyID, &ev.Version, &typ, &ev.ActorID, &ev.PlayerID, &payload, &at); err != nil {
			return nil, err
		}
		ev.Type = models.LobbyEventType(typ)
		ev.Timestamp = at.UnixMilli()
		if len(payload) > 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkAbandoned marks an open lobby as abandoned. It reports whether a row changed.
func MarkAbandoned(ctx context.Context, lobbyID uuid.UUID) (bool, error) {
	var changed bool
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			UPDATE lobby_archive
			SET status = 'abandoned', ended_at = NOW()
			WHERE id = $1 AND status = 'open'
		`
		tag, err := tx.Exec(ctx, q, lobbyID)
		if err != nil {
			return err
		}
		changed = tag.RowsAffected() > 0
		return nil
	})
	return changed, err
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Archive adapts the package functions to the historian's sink interface.
type Archive struct{}

func (Archive) WriteEvents(ctx context.Context, events []models.LobbyEvent) error {
	return InsertLobbyEvents(ctx, events)
}

func (Archive) MarkAbandoned(ctx context.Context, lobbyID uuid.UUID) error {
	_, err := MarkAbandoned(ctx, lobbyID)
	return err
}
