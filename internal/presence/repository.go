package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/pkg/database"
)

// Repository handles presence events and participant sessions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a presence repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ingest stores pe and rewrites the user's session in one transaction. The event row is
// share-locked so a concurrent close waits for the ingest, and a per-user advisory lock
// serializes reports of the same user across instances. A redelivered event is not an
// error: inserted is false and the session is left as is.
func (r *Repository) Ingest(ctx context.Context, pe models.PresenceEvent,
	validate func(*models.Event) error,
	apply func(*models.Event, []models.PresenceEvent) *models.ParticipantSession,
) (bool, error) {
	inserted := false
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var ev models.Event
		var channels []byte
		const sel = `SELECT id, status, tracked_channels, started_at, ended_at FROM events WHERE id = $1 FOR SHARE`
		err := tx.QueryRow(ctx, sel, pe.EventID).Scan(&ev.ID, &ev.Status, &channels, &ev.StartedAt, &ev.EndedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("event", pe.EventID)
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(channels, &ev.TrackedChannels); err != nil {
			return fmt.Errorf("decode tracked_channels of %s: %w", ev.ID, err)
		}
		if err := validate(&ev); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, pe.EventID+":"+pe.UserID); err != nil {
			return fmt.Errorf("presence lock: %w", err)
		}

		const ins = `INSERT INTO presence_events (event_id, user_id, channel_id, display_name, kind, occurred_at, dedupe_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id, dedupe_key) DO NOTHING
			RETURNING id`
		var id int64
		err = tx.QueryRow(ctx, ins, pe.EventID, pe.UserID, pe.ChannelID, pe.DisplayName, pe.Kind, pe.OccurredAt, pe.DedupeKey()).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		inserted = true

		history, err := queryEvents(ctx, tx, `WHERE event_id = $1 AND user_id = $2`, pe.EventID, pe.UserID)
		if err != nil {
			return err
		}
		session := apply(&ev, history)
		if session == nil {
			return nil
		}
		return UpsertSessions(ctx, tx, false, []models.ParticipantSession{*session})
	})
	return inserted, err
}

// ListEvents returns every presence event of an event in arrival order.
func (r *Repository) ListEvents(ctx context.Context, eventID string) ([]models.PresenceEvent, error) {
	return queryEvents(ctx, r.pool, `WHERE event_id = $1`, eventID)
}

// ListSessions returns the stored sessions of an event.
func (r *Repository) ListSessions(ctx context.Context, eventID string) ([]models.ParticipantSession, error) {
	const q = `SELECT event_id, user_id, display_name, channel_id, duration_seconds, is_active, first_seen, last_activity, participation_pct
		FROM participant_sessions WHERE event_id = $1`
	rows, err := r.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []models.ParticipantSession{}
	for rows.Next() {
		var s models.ParticipantSession
		if err := rows.Scan(&s.EventID, &s.UserID, &s.DisplayName, &s.ChannelID, &s.DurationSeconds, &s.IsActive,
			&s.FirstSeen, &s.LastActivity, &s.ParticipationPercentage); err != nil {
			return nil, err
		}
		s.DurationMinutes = models.MinutesFromSeconds(s.DurationSeconds)
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortSessions(list)
	return list, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type txLog struct{ q querier }

// TxEventLog reads presence events through an open transaction, so a caller that
// already holds a connection does not need a second one from the pool.
func TxEventLog(tx pgx.Tx) EventLog { return txLog{q: tx} }

func (l txLog) ListEvents(ctx context.Context, eventID string) ([]models.PresenceEvent, error) {
	return queryEvents(ctx, l.q, `WHERE event_id = $1`, eventID)
}

func queryEvents(ctx context.Context, q querier, where string, args ...any) ([]models.PresenceEvent, error) {
	rows, err := q.Query(ctx, `SELECT event_id, user_id, channel_id, display_name, kind, occurred_at
		FROM presence_events `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.PresenceEvent
	for rows.Next() {
		var pe models.PresenceEvent
		if err := rows.Scan(&pe.EventID, &pe.UserID, &pe.ChannelID, &pe.DisplayName, &pe.Kind, &pe.OccurredAt); err != nil {
			return nil, err
		}
		list = append(list, pe)
	}
	return list, rows.Err()
}

// BatchSender is satisfied by pgx.Tx and *pgxpool.Pool.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// UpsertSessions writes sessions keyed by (event_id, user_id). A frozen session is never
// overwritten by a later unfrozen write.
func UpsertSessions(ctx context.Context, tx BatchSender, frozen bool, sessions []models.ParticipantSession) error {
	if len(sessions) == 0 {
		return nil
	}
	const q = `INSERT INTO participant_sessions (event_id, user_id, display_name, channel_id, duration_seconds, is_active,
			first_seen, last_activity, participation_pct, frozen, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (event_id, user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			channel_id = EXCLUDED.channel_id,
			duration_seconds = EXCLUDED.duration_seconds,
			is_active = EXCLUDED.is_active,
			first_seen = EXCLUDED.first_seen,
			last_activity = EXCLUDED.last_activity,
			participation_pct = EXCLUDED.participation_pct,
			frozen = EXCLUDED.frozen,
			updated_at = NOW()
		WHERE NOT participant_sessions.frozen`
	b := &pgx.Batch{}
	for _, s := range sessions {
		b.Queue(q, s.EventID, s.UserID, s.DisplayName, s.ChannelID, s.DurationSeconds, s.IsActive,
			s.FirstSeen, s.LastActivity, s.ParticipationPercentage, frozen)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upsert sessions: %w", err)
	}
	return nil
}
