package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/internal/presence"
	"github.com/redlegion/eventpay/pkg/database"
)

const eventColumns = `id, name, event_type, organizer_id, organizer_name, guild_id, location_notes, session_notes,
	tracked_channels, primary_channel_id, scheduled_start_time, auto_start_enabled, status, started_at, ended_at,
	total_participants, total_duration_minutes::float8, created_at, updated_at`

const listColumns = `e.id, e.name, e.event_type, e.organizer_id, e.organizer_name, e.guild_id, e.location_notes, e.session_notes,
	e.tracked_channels, e.primary_channel_id, e.scheduled_start_time, e.auto_start_enabled, e.status, e.started_at, e.ended_at,
	e.total_participants, e.total_duration_minutes::float8, e.created_at, e.updated_at, p.status`

// Repository handles event persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an event repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var ev models.Event
	var channels []byte
	err := row.Scan(&ev.ID, &ev.Name, &ev.Type, &ev.OrganizerID, &ev.OrganizerName, &ev.GuildID, &ev.LocationNotes, &ev.SessionNotes,
		&channels, &ev.PrimaryChannelID, &ev.ScheduledStartTime, &ev.AutoStartEnabled, &ev.Status, &ev.StartedAt, &ev.EndedAt,
		&ev.TotalParticipants, &ev.TotalDurationMinutes, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(channels, &ev.TrackedChannels); err != nil {
		return nil, fmt.Errorf("decode tracked_channels of %s: %w", ev.ID, err)
	}
	return &ev, nil
}

// Create inserts a new event.
func (r *Repository) Create(ctx context.Context, ev *models.Event) error {
	channels, err := json.Marshal(ev.TrackedChannels)
	if err != nil {
		return err
	}
	const q = `INSERT INTO events (id, name, event_type, organizer_id, organizer_name, guild_id, location_notes, session_notes,
			tracked_channels, primary_channel_id, scheduled_start_time, auto_start_enabled, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q, ev.ID, ev.Name, ev.Type, ev.OrganizerID, ev.OrganizerName, ev.GuildID, ev.LocationNotes, ev.SessionNotes,
		channels, ev.PrimaryChannelID, ev.ScheduledStartTime, ev.AutoStartEnabled, ev.Status).
		Scan(&ev.CreatedAt, &ev.UpdatedAt)
}

// Get returns an event by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.Event, error) {
	ev, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("event", id)
	}
	return ev, err
}

// List returns events newest first with their payroll state.
func (r *Repository) List(ctx context.Context, f models.EventFilter) ([]models.EventListItem, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + listColumns + `
		FROM events e LEFT JOIN payrolls p ON p.event_id = e.id`
	args := []interface{}{limit}
	if f.Status != nil {
		q += ` WHERE e.status = $2`
		args = append(args, *f.Status)
	}
	q += ` ORDER BY e.created_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []models.EventListItem{}
	for rows.Next() {
		var item models.EventListItem
		var channels []byte
		var payrollStatus *models.PayrollStatus
		ev := &item.Event
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.Type, &ev.OrganizerID, &ev.OrganizerName, &ev.GuildID, &ev.LocationNotes, &ev.SessionNotes,
			&channels, &ev.PrimaryChannelID, &ev.ScheduledStartTime, &ev.AutoStartEnabled, &ev.Status, &ev.StartedAt, &ev.EndedAt,
			&ev.TotalParticipants, &ev.TotalDurationMinutes, &ev.CreatedAt, &ev.UpdatedAt, &payrollStatus); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(channels, &ev.TrackedChannels); err != nil {
			return nil, fmt.Errorf("decode tracked_channels of %s: %w", ev.ID, err)
		}
		item.PayrollCalculated = payrollStatus != nil
		item.PayrollStatus = payrollStatus
		list = append(list, item)
	}
	return list, rows.Err()
}

// DueForAutoStart returns scheduled events whose start time is at or before now.
func (r *Repository) DueForAutoStart(ctx context.Context, now time.Time) ([]string, error) {
	const q = `SELECT id FROM events
		WHERE status = 'scheduled' AND auto_start_enabled AND scheduled_start_time <= $1
		ORDER BY scheduled_start_time`
	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Mutate locks the event row, applies fn and writes the result back in one transaction.
// Sessions returned by fn are stored frozen.
func (r *Repository) Mutate(ctx context.Context, id string, fn MutateFunc) (*models.Event, error) {
	var out *models.Event
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		ev, err := scanEvent(tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("event", id)
		}
		if err != nil {
			return err
		}
		sessions, err := fn(ev, presence.TxEventLog(tx))
		if err != nil {
			return err
		}
		channels, err := json.Marshal(ev.TrackedChannels)
		if err != nil {
			return err
		}
		const upd = `UPDATE events SET tracked_channels = $2, primary_channel_id = $3, auto_start_enabled = $4, status = $5,
				started_at = $6, ended_at = $7, total_participants = $8, total_duration_minutes = $9, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`
		if err := tx.QueryRow(ctx, upd, ev.ID, channels, ev.PrimaryChannelID, ev.AutoStartEnabled, ev.Status,
			ev.StartedAt, ev.EndedAt, ev.TotalParticipants, ev.TotalDurationMinutes).Scan(&ev.UpdatedAt); err != nil {
			return err
		}
		if sessions != nil {
			if err := presence.UpsertSessions(ctx, tx, true, sessions); err != nil {
				return err
			}
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the event; presence, sessions and payroll rows cascade.
func (r *Repository) Delete(ctx context.Context, id string) (*models.Event, error) {
	ev, err := scanEvent(r.pool.QueryRow(ctx, `DELETE FROM events WHERE id = $1 RETURNING `+eventColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("event", id)
	}
	return ev, err
}
