package payroll

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/pkg/keylock"
)

// Input limits for organizer supplied payroll data.
const (
	minMaterialName = 2
	maxMaterialName = 50
	maxQuantityDP   = 6
)

var maxQuantity = decimal.NewFromInt(10000)

// Store persists payrolls. SaveDraft and Finalize return AlreadyFinalizedError when a
// closed payroll exists for the event, whichever caller got there first.
type Store interface {
	Get(ctx context.Context, eventID string) (*models.Payroll, error)
	SaveDraft(ctx context.Context, p *models.Payroll) error
	Finalize(ctx context.Context, p *models.Payroll) error
}

// EventSource looks up events.
type EventSource interface {
	Get(ctx context.Context, id string) (*models.Event, error)
}

// SessionSource lists the participant sessions of an event.
type SessionSource interface {
	ParticipantList(ctx context.Context, eventID string) ([]models.ParticipantSession, error)
}

// PriceResolver returns unit prices for materials at an optional trading location.
type PriceResolver interface {
	Resolve(ctx context.Context, materials []string, locationID *int) (map[string]decimal.Decimal, error)
}

// Archiver schedules a finalized payroll for archival.
type Archiver interface {
	EnqueueArchive(ctx context.Context, p *models.Payroll) error
}

// Inputs is what an organizer submits to calculate or finalize a payroll.
type Inputs struct {
	OreQuantities map[string]decimal.Decimal `json:"ore_quantities"`
	CustomPrices  map[string]decimal.Decimal `json:"custom_prices"`
	LocationID    *int                       `json:"location_id"`
	DonatingUsers []string                   `json:"donating_users"`
}

// Export is the document served for download and archived after finalization.
type Export struct {
	Event        *models.Event               `json:"event"`
	Payroll      *models.PayrollSummary      `json:"payroll"`
	Participants []models.ParticipantSession `json:"participants"`
	ExportedAt   time.Time                   `json:"exported_at"`
}

// Service manages the single payroll record of each event.
type Service struct {
	store    Store
	events   EventSource
	sessions SessionSource
	prices   PriceResolver
	locks    *keylock.Locker
	archiver Archiver
	scale    int32
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithArchiver enqueues finalized payrolls for archival.
func WithArchiver(a Archiver) Option { return func(s *Service) { s.archiver = a } }

// WithScale sets the currency scale in decimal places.
func WithScale(scale int32) Option { return func(s *Service) { s.scale = scale } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates the payroll service. locks must be the same locker the event
// service uses so a payroll write never interleaves with a close of the same event.
func NewService(store Store, events EventSource, sessions SessionSource, prices PriceResolver, locks *keylock.Locker, opts ...Option) *Service {
	s := &Service{
		store:    store,
		events:   events,
		sessions: sessions,
		prices:   prices,
		locks:    locks,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Calculate computes a draft payroll for a live or closed event, replacing any earlier draft.
func (s *Service) Calculate(ctx context.Context, eventID string, in Inputs, actor string) (*models.Payroll, error) {
	unlock, err := s.locks.Lock(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != models.EventLive && ev.Status != models.EventClosed {
		return nil, apperr.InvalidState("calculate payroll", string(ev.Status))
	}
	if err := s.ensureNotFinalized(ctx, eventID); err != nil {
		return nil, err
	}

	p, err := s.compute(ctx, ev, in)
	if err != nil {
		return nil, err
	}
	p.Status = models.PayrollOpen
	p.CalculatedBy = actor
	if err := s.store.SaveDraft(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("payroll calculated",
		zap.String("event_id", eventID),
		zap.String("total_value", p.TotalValue.String()),
		zap.Int("payouts", len(p.Payouts)),
		zap.String("condition", string(p.Condition)),
	)
	return p, nil
}

// Finalize recomputes the payroll of a closed event and locks it. It succeeds at most once per event.
func (s *Service) Finalize(ctx context.Context, eventID string, in Inputs, actor string) (*models.Payroll, error) {
	unlock, err := s.locks.Lock(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != models.EventClosed {
		return nil, apperr.InvalidState("finalize payroll", string(ev.Status))
	}
	if err := s.ensureNotFinalized(ctx, eventID); err != nil {
		return nil, err
	}

	p, err := s.compute(ctx, ev, in)
	if err != nil {
		return nil, err
	}
	finalizedAt := s.now().UTC()
	p.Status = models.PayrollClosed
	p.CalculatedBy = actor
	p.FinalizedBy = actor
	p.FinalizedAt = &finalizedAt
	if err := s.store.Finalize(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("payroll finalized",
		zap.String("event_id", eventID),
		zap.String("payroll_id", p.ID),
		zap.String("total_value", p.TotalValue.String()),
		zap.String("unallocated", p.Unallocated.String()),
		zap.String("finalized_by", actor),
	)
	if s.archiver != nil {
		if err := s.archiver.EnqueueArchive(ctx, p); err != nil {
			s.logger.Error("payroll archive enqueue failed", zap.String("payroll_id", p.ID), zap.Error(err))
		}
	}
	return p, nil
}

func (s *Service) ensureNotFinalized(ctx context.Context, eventID string) error {
	existing, err := s.store.Get(ctx, eventID)
	switch {
	case apperr.IsNotFound(err):
		return nil
	case err != nil:
		return err
	case existing.Status == models.PayrollClosed:
		return &apperr.AlreadyFinalizedError{EventID: eventID}
	}
	return nil
}

func (s *Service) compute(ctx context.Context, ev *models.Event, in Inputs) (*models.Payroll, error) {
	quantities, err := normalizeQuantities(in.OreQuantities)
	if err != nil {
		return nil, err
	}
	custom, err := normalizePrices(in.CustomPrices)
	if err != nil {
		return nil, err
	}
	prices, err := s.resolvePrices(ctx, quantities, custom, in.LocationID)
	if err != nil {
		return nil, err
	}

	sessions, err := s.sessions.ParticipantList(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	participants := make([]Participant, 0, len(sessions))
	for _, ps := range sessions {
		participants = append(participants, Participant{UserID: ps.UserID, Username: ps.DisplayName, DurationSeconds: ps.DurationSeconds})
	}
	donors := dedupe(in.DonatingUsers)

	res, err := Calculate(Input{
		OreQuantities: quantities,
		Prices:        prices,
		Participants:  participants,
		DonatingUsers: donors,
		Scale:         s.scale,
	})
	if err != nil {
		return nil, err
	}
	return &models.Payroll{
		ID:             models.PayrollIDFor(ev.ID),
		EventID:        ev.ID,
		OreQuantities:  quantities,
		CustomPrices:   custom,
		ResolvedPrices: prices,
		LocationID:     in.LocationID,
		DonatingUsers:  donors,
		TotalValue:     res.TotalValue,
		Unallocated:    res.Unallocated,
		Condition:      res.Condition,
		Payouts:        res.Payouts,
	}, nil
}

// resolvePrices uses custom prices first and asks the price source for the rest.
// Only materials with a positive quantity need a price.
func (s *Service) resolvePrices(ctx context.Context, quantities, custom map[string]decimal.Decimal, locationID *int) (map[string]decimal.Decimal, error) {
	resolved := make(map[string]decimal.Decimal, len(quantities))
	var missing []string
	for m, q := range quantities {
		if !q.IsPositive() {
			continue
		}
		if p, ok := custom[m]; ok {
			resolved[m] = p
			continue
		}
		missing = append(missing, m)
	}
	if len(missing) == 0 {
		return resolved, nil
	}
	sort.Strings(missing)
	if s.prices == nil {
		return nil, &apperr.PriceUnavailableError{Material: missing[0]}
	}
	market, err := s.prices.Resolve(ctx, missing, locationID)
	if err != nil {
		return nil, err
	}
	for _, m := range missing {
		p, ok := market[m]
		if !ok {
			return nil, &apperr.PriceUnavailableError{Material: m}
		}
		resolved[m] = p
	}
	return resolved, nil
}

// Summary returns the payroll of an event with participant totals.
func (s *Service) Summary(ctx context.Context, eventID string) (*models.PayrollSummary, error) {
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return summarize(ev, p), nil
}

// Export assembles the downloadable payroll document of an event.
func (s *Service) Export(ctx context.Context, eventID string) (*Export, error) {
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ParticipantList(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &Export{Event: ev, Payroll: summarize(ev, p), Participants: sessions, ExportedAt: s.now().UTC()}, nil
}

func summarize(ev *models.Event, p *models.Payroll) *models.PayrollSummary {
	sum := &models.PayrollSummary{
		Payroll:          *p,
		EventName:        ev.Name,
		ParticipantCount: len(p.Payouts),
		TotalPayout:      p.PayoutSum(),
	}
	for _, po := range p.Payouts {
		if po.IsDonating {
			sum.DonorCount++
		} else {
			sum.RecipientCount++
		}
	}
	return sum
}

// NormalizeMaterial returns the canonical upper-case material name.
func NormalizeMaterial(name string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(name))
	if len(m) < minMaterialName || len(m) > maxMaterialName {
		return "", apperr.Validation("material", "%q must be %d to %d characters", name, minMaterialName, maxMaterialName)
	}
	return m, nil
}

func normalizeQuantities(in map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for name, q := range in {
		m, err := NormalizeMaterial(name)
		if err != nil {
			return nil, err
		}
		field := "ore_quantities." + m
		if _, dup := out[m]; dup {
			return nil, apperr.Validation(field, "listed twice")
		}
		if q.IsNegative() {
			return nil, apperr.Validation(field, "must not be negative")
		}
		if q.GreaterThan(maxQuantity) {
			return nil, apperr.Validation(field, "must be at most %s", maxQuantity)
		}
		if !q.Equal(q.Truncate(maxQuantityDP)) {
			return nil, apperr.Validation(field, "at most %d decimal places", maxQuantityDP)
		}
		out[m] = q
	}
	return out, nil
}

func normalizePrices(in map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for name, p := range in {
		m, err := NormalizeMaterial(name)
		if err != nil {
			return nil, err
		}
		if p.IsNegative() {
			return nil, apperr.Validation("custom_prices."+m, "must not be negative")
		}
		out[m] = p
	}
	return out, nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
