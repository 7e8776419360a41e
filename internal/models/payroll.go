package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayrollStatus is open for a mutable draft and closed once finalized.
type PayrollStatus string

const (
	PayrollOpen   PayrollStatus = "open"
	PayrollClosed PayrollStatus = "closed"
)

// PayrollCondition flags a payroll whose value could not be distributed.
type PayrollCondition string

const (
	ConditionNone           PayrollCondition = ""
	ConditionNoParticipants PayrollCondition = "no_participants"
	ConditionNoRecipients   PayrollCondition = "no_recipients"
)

// PayrollIDPrefix is prepended to the event id to form the payroll id.
const PayrollIDPrefix = "pr-"

// PayrollIDFor returns the stable payroll id of an event.
func PayrollIDFor(eventID string) string {
	return PayrollIDPrefix + eventID
}

// Payroll is the computed distribution for one event.
type Payroll struct {
	ID             string                     `json:"payroll_id"`
	EventID        string                     `json:"event_id"`
	Status         PayrollStatus              `json:"status"`
	OreQuantities  map[string]decimal.Decimal `json:"ore_quantities"`
	CustomPrices   map[string]decimal.Decimal `json:"custom_prices,omitempty"`
	ResolvedPrices map[string]decimal.Decimal `json:"resolved_prices"`
	LocationID     *int                       `json:"location_id,omitempty"`
	DonatingUsers  []string                   `json:"donating_users"`
	TotalValue     decimal.Decimal            `json:"total_value"`
	Unallocated    decimal.Decimal            `json:"unallocated"`
	Condition      PayrollCondition           `json:"condition,omitempty"`
	Payouts        []ParticipantPayout        `json:"payouts"`
	CalculatedBy   string                     `json:"calculated_by,omitempty"`
	FinalizedBy    string                     `json:"finalized_by,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	FinalizedAt    *time.Time                 `json:"finalized_at,omitempty"`
}

// PayoutSum is the sum of all participant payouts.
func (p *Payroll) PayoutSum() decimal.Decimal {
	sum := decimal.Zero
	for _, po := range p.Payouts {
		sum = sum.Add(po.Payout)
	}
	return sum
}

// ParticipantPayout is one participant's line in a payroll.
type ParticipantPayout struct {
	UserID          string          `json:"user_id"`
	Username        string          `json:"username"`
	DurationSeconds int64           `json:"duration_seconds"`
	DurationMinutes float64         `json:"duration_minutes"`
	IsDonating      bool            `json:"is_donating"`
	Payout          decimal.Decimal `json:"payout"`
}

// PayrollSummary is the read-only projection returned by getPayrollSummary.
type PayrollSummary struct {
	Payroll
	EventName        string          `json:"event_name"`
	ParticipantCount int             `json:"participant_count"`
	DonorCount       int             `json:"donor_count"`
	RecipientCount   int             `json:"recipient_count"`
	TotalPayout      decimal.Decimal `json:"total_payout"`
}
