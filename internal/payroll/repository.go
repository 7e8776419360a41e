package payroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/pkg/database"
)

// Repository handles payroll persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a payroll repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the payroll of an event with its payouts in calculation order.
func (r *Repository) Get(ctx context.Context, eventID string) (*models.Payroll, error) {
	const q = `SELECT id, event_id, status, ore_quantities, custom_prices, resolved_prices, location_id, donating_users,
			total_value::text, unallocated::text, condition, calculated_by, finalized_by, created_at, updated_at, finalized_at
		FROM payrolls WHERE event_id = $1`
	var (
		p                           models.Payroll
		quantities, custom, prices  []byte
		donors                      []byte
		totalValue, unallocatedText string
	)
	err := r.pool.QueryRow(ctx, q, eventID).Scan(&p.ID, &p.EventID, &p.Status, &quantities, &custom, &prices, &p.LocationID, &donors,
		&totalValue, &unallocatedText, &p.Condition, &p.CalculatedBy, &p.FinalizedBy, &p.CreatedAt, &p.UpdatedAt, &p.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("payroll", eventID)
	}
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{quantities, &p.OreQuantities}, {custom, &p.CustomPrices}, {prices, &p.ResolvedPrices}, {donors, &p.DonatingUsers}} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode payroll %s: %w", p.ID, err)
		}
	}
	if p.TotalValue, err = decimal.NewFromString(totalValue); err != nil {
		return nil, fmt.Errorf("decode total_value of %s: %w", p.ID, err)
	}
	if p.Unallocated, err = decimal.NewFromString(unallocatedText); err != nil {
		return nil, fmt.Errorf("decode unallocated of %s: %w", p.ID, err)
	}

	rows, err := r.pool.Query(ctx, `SELECT user_id, username, duration_seconds, is_donating, payout::text
		FROM payroll_payouts WHERE payroll_id = $1 ORDER BY position`, p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	p.Payouts = []models.ParticipantPayout{}
	for rows.Next() {
		var po models.ParticipantPayout
		var payout string
		if err := rows.Scan(&po.UserID, &po.Username, &po.DurationSeconds, &po.IsDonating, &payout); err != nil {
			return nil, err
		}
		if po.Payout, err = decimal.NewFromString(payout); err != nil {
			return nil, fmt.Errorf("decode payout of %s/%s: %w", p.ID, po.UserID, err)
		}
		po.DurationMinutes = models.MinutesFromSeconds(po.DurationSeconds)
		p.Payouts = append(p.Payouts, po)
	}
	return &p, rows.Err()
}

// SaveDraft replaces the open payroll of an event.
func (r *Repository) SaveDraft(ctx context.Context, p *models.Payroll) error {
	return r.save(ctx, p)
}

// Finalize stores p as the closed payroll of its event. The upsert only overwrites an
// open row, and the partial unique index rejects a second closed row, so exactly one
// caller can win.
func (r *Repository) Finalize(ctx context.Context, p *models.Payroll) error {
	return r.save(ctx, p)
}

func (r *Repository) save(ctx context.Context, p *models.Payroll) error {
	encoded := make([][]byte, 0, 4)
	for _, v := range []any{p.OreQuantities, p.CustomPrices, p.ResolvedPrices, p.DonatingUsers} {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		encoded = append(encoded, b)
	}

	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var eventID string
		err := tx.QueryRow(ctx, `SELECT id FROM events WHERE id = $1 FOR UPDATE`, p.EventID).Scan(&eventID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("event", p.EventID)
		}
		if err != nil {
			return err
		}

		const upsert = `INSERT INTO payrolls (id, event_id, status, ore_quantities, custom_prices, resolved_prices, location_id,
				donating_users, total_value, unallocated, condition, calculated_by, finalized_by, finalized_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				ore_quantities = EXCLUDED.ore_quantities,
				custom_prices = EXCLUDED.custom_prices,
				resolved_prices = EXCLUDED.resolved_prices,
				location_id = EXCLUDED.location_id,
				donating_users = EXCLUDED.donating_users,
				total_value = EXCLUDED.total_value,
				unallocated = EXCLUDED.unallocated,
				condition = EXCLUDED.condition,
				calculated_by = EXCLUDED.calculated_by,
				finalized_by = EXCLUDED.finalized_by,
				finalized_at = EXCLUDED.finalized_at,
				updated_at = NOW()
			WHERE payrolls.status = 'open'
			RETURNING created_at, updated_at`
		err = tx.QueryRow(ctx, upsert, p.ID, p.EventID, p.Status, encoded[0], encoded[1], encoded[2], p.LocationID,
			encoded[3], p.TotalValue.String(), p.Unallocated.String(), p.Condition, p.CalculatedBy, p.FinalizedBy, p.FinalizedAt).
			Scan(&p.CreatedAt, &p.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// the existing row is closed
			return &apperr.AlreadyFinalizedError{EventID: p.EventID}
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM payroll_payouts WHERE payroll_id = $1`, p.ID); err != nil {
			return err
		}
		if len(p.Payouts) == 0 {
			return nil
		}
		b := &pgx.Batch{}
		for i, po := range p.Payouts {
			b.Queue(`INSERT INTO payroll_payouts (payroll_id, position, user_id, username, duration_seconds, is_donating, payout)
				VALUES ($1, $2, $3, $4, $5, $6, $7::numeric)`,
				p.ID, i, po.UserID, po.Username, po.DurationSeconds, po.IsDonating, po.Payout.String())
		}
		return tx.SendBatch(ctx, b).Close()
	})
	switch {
	case err == nil:
		return nil
	case database.HasCode(err, database.CodeUniqueViolation), database.HasCode(err, database.CodeRaiseException):
		return &apperr.AlreadyFinalizedError{EventID: p.EventID}
	case database.HasCode(err, database.CodeForeignKeyViolation):
		return apperr.NotFound("event", p.EventID)
	}
	return err
}
