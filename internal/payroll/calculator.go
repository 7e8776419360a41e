package payroll

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
)

// Participant is a calculator input row: one user and the presence time they accumulated.
type Participant struct {
	UserID          string
	Username        string
	DurationSeconds int64
}

// Input is everything the calculator needs. Material names must already be normalized.
type Input struct {
	OreQuantities map[string]decimal.Decimal
	Prices        map[string]decimal.Decimal
	Participants  []Participant
	DonatingUsers []string
	// Scale is the number of decimal places of the currency unit (0 = whole aUEC).
	Scale int32
}

// Result is a deterministic, exactly reconciling distribution.
type Result struct {
	TotalValue  decimal.Decimal
	Unallocated decimal.Decimal
	Condition   models.PayrollCondition
	Payouts     []models.ParticipantPayout
}

// Calculate turns quantities and prices into per-participant payouts.
//
// Recipients (non-donors with positive duration) share the total value in
// proportion to their duration. Every share except one is truncated to the
// currency scale; the recipient with the largest duration (ties: smallest
// user id) receives the remainder so the payouts sum to the total exactly.
func Calculate(in Input) (*Result, error) {
	total, err := TotalValue(in.OreQuantities, in.Prices, in.Scale)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(in.Participants))
	for _, p := range in.Participants {
		if _, dup := known[p.UserID]; dup {
			return nil, apperr.Validation("participants", "duplicate user %s", p.UserID)
		}
		known[p.UserID] = struct{}{}
	}
	donors := make(map[string]struct{}, len(in.DonatingUsers))
	for _, id := range in.DonatingUsers {
		if _, ok := known[id]; !ok {
			return nil, apperr.Validation("donating_users", "%s is not a participant of this event", id)
		}
		donors[id] = struct{}{}
	}

	ordered := make([]Participant, len(in.Participants))
	copy(ordered, in.Participants)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].DurationSeconds != ordered[j].DurationSeconds {
			return ordered[i].DurationSeconds > ordered[j].DurationSeconds
		}
		return ordered[i].UserID < ordered[j].UserID
	})

	res := &Result{TotalValue: total, Unallocated: decimal.Zero}
	var (
		eligible          int
		recipientIdx      []int
		recipientDuration int64
	)
	for _, p := range ordered {
		_, donating := donors[p.UserID]
		if p.DurationSeconds <= 0 && !donating {
			continue
		}
		if p.DurationSeconds > 0 {
			eligible++
		}
		res.Payouts = append(res.Payouts, models.ParticipantPayout{
			UserID:          p.UserID,
			Username:        p.Username,
			DurationSeconds: max(p.DurationSeconds, 0),
			DurationMinutes: models.MinutesFromSeconds(max(p.DurationSeconds, 0)),
			IsDonating:      donating,
			Payout:          decimal.Zero,
		})
		if !donating {
			recipientIdx = append(recipientIdx, len(res.Payouts)-1)
			recipientDuration += p.DurationSeconds
		}
	}

	switch {
	case eligible == 0:
		res.Condition = models.ConditionNoParticipants
		res.Unallocated = total
	case len(recipientIdx) == 0:
		res.Condition = models.ConditionNoRecipients
		res.Unallocated = total
	default:
		divisor := decimal.NewFromInt(recipientDuration)
		allocated := decimal.Zero
		// recipientIdx[0] is the largest-duration recipient because payouts follow the sorted order.
		for _, idx := range recipientIdx[1:] {
			weighted := total.Mul(decimal.NewFromInt(res.Payouts[idx].DurationSeconds))
			share, _ := weighted.QuoRem(divisor, in.Scale)
			res.Payouts[idx].Payout = share
			allocated = allocated.Add(share)
		}
		res.Payouts[recipientIdx[0]].Payout = total.Sub(allocated)
	}

	if err := verify(res); err != nil {
		return nil, err
	}
	return res, nil
}

// TotalValue sums quantity × price over materials and rounds to the currency scale.
// Prices without a matching quantity are ignored.
func TotalValue(quantities, prices map[string]decimal.Decimal, scale int32) (decimal.Decimal, error) {
	for _, name := range sortedKeys(prices) {
		if prices[name].IsNegative() {
			return decimal.Zero, apperr.Validation("prices."+name, "must not be negative")
		}
	}
	sum := decimal.Zero
	for _, name := range sortedKeys(quantities) {
		qty := quantities[name]
		if qty.IsNegative() {
			return decimal.Zero, apperr.Validation("ore_quantities."+name, "must not be negative")
		}
		if qty.IsZero() {
			continue
		}
		price, ok := prices[name]
		if !ok {
			return decimal.Zero, apperr.Validation("prices."+name, "no price for material")
		}
		sum = sum.Add(qty.Mul(price))
	}
	return sum.Round(scale), nil
}

func verify(res *Result) error {
	paid := decimal.Zero
	for _, p := range res.Payouts {
		if p.Payout.IsNegative() {
			return &apperr.ConsistencyError{Detail: "negative payout for " + p.UserID}
		}
		if p.IsDonating && !p.Payout.IsZero() {
			return &apperr.ConsistencyError{Detail: "donor " + p.UserID + " received a payout"}
		}
		paid = paid.Add(p.Payout)
	}
	if !paid.Add(res.Unallocated).Equal(res.TotalValue) {
		return &apperr.ConsistencyError{Detail: "payouts " + paid.String() + " + unallocated " + res.Unallocated.String() + " != total " + res.TotalValue.String()}
	}
	return nil
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
