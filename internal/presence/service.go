// Package presence turns voice join/leave reports into participant sessions and live metrics.
package presence

import (
	"context"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/pkg/keylock"
	"github.com/redlegion/eventpay/pkg/utils"
)

// History window limits, in hours.
const (
	MinHistoryHours = 1
	MaxHistoryHours = 168
)

// EventLog lists the raw presence events of an event.
type EventLog interface {
	ListEvents(ctx context.Context, eventID string) ([]models.PresenceEvent, error)
}

// Store persists presence events and sessions.
type Store interface {
	Ingest(ctx context.Context, pe models.PresenceEvent,
		validate func(*models.Event) error,
		apply func(*models.Event, []models.PresenceEvent) *models.ParticipantSession,
	) (bool, error)
	ListEvents(ctx context.Context, eventID string) ([]models.PresenceEvent, error)
	ListSessions(ctx context.Context, eventID string) ([]models.ParticipantSession, error)
}

// EventSource looks up events.
type EventSource interface {
	Get(ctx context.Context, id string) (*models.Event, error)
}

// MetricsPublisher pushes live metrics to subscribers of an event.
type MetricsPublisher interface {
	PublishMetrics(m *models.LiveMetrics)
}

// Service aggregates presence per event.
type Service struct {
	store     Store
	events    EventSource
	locks     *keylock.Locker
	publisher MetricsPublisher
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets where live metrics go after each accepted report.
func WithPublisher(p MetricsPublisher) Option { return func(s *Service) { s.publisher = p } }

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

// NewService creates a presence service.
func NewService(store Store, events EventSource, opts ...Option) *Service {
	s := &Service{
		store:  store,
		events: events,
		locks:  keylock.New(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest records one presence report. It returns false when the report was already stored.
func (s *Service) Ingest(ctx context.Context, pe models.PresenceEvent) (bool, error) {
	if err := s.validateReport(&pe); err != nil {
		return false, err
	}

	unlock, err := s.locks.Lock(ctx, pe.EventID+":"+pe.UserID)
	if err != nil {
		return false, err
	}
	defer unlock()

	now := s.now().UTC()
	validate := func(ev *models.Event) error {
		if ev.Status != models.EventLive {
			return apperr.InvalidState("report presence", string(ev.Status))
		}
		if pe.ChannelID != "" && !ev.Tracks(pe.ChannelID) {
			return apperr.Validation("channel_id", "channel %s is not tracked by event %s", pe.ChannelID, ev.ID)
		}
		return nil
	}
	apply := func(ev *models.Event, history []models.PresenceEvent) *models.ParticipantSession {
		snap := Aggregate(ev.ID, history, BoundsFor(ev, now))
		for _, ig := range snap.Ignored {
			s.logger.Debug("unmatched presence report ignored",
				zap.String("event_id", ig.EventID),
				zap.String("user_id", ig.UserID),
				zap.String("channel_id", ig.ChannelID),
				zap.String("kind", string(ig.Kind)),
				zap.Time("occurred_at", ig.OccurredAt),
			)
		}
		session, ok := snap.Session(pe.UserID)
		if !ok {
			// only unmatched leaves so far
			return nil
		}
		return &session
	}

	inserted, err := s.store.Ingest(ctx, pe, validate, apply)
	if err != nil {
		return false, err
	}
	if !inserted {
		s.logger.Debug("duplicate presence report", zap.String("event_id", pe.EventID), zap.String("user_id", pe.UserID))
		return false, nil
	}
	s.broadcast(ctx, pe.EventID)
	return true, nil
}

func (s *Service) validateReport(pe *models.PresenceEvent) error {
	if pe.EventID == "" {
		return apperr.Validation("event_id", "is required")
	}
	if !utils.IsDiscordID(pe.UserID) {
		return apperr.Validation("user_id", "is not a Discord id")
	}
	switch pe.Kind {
	case models.PresenceJoined:
		if pe.ChannelID == "" {
			return apperr.Validation("channel_id", "is required for joined")
		}
	case models.PresenceLeft:
	default:
		return apperr.Validation("kind", "must be joined or left")
	}
	if pe.ChannelID != "" && !utils.IsDiscordID(pe.ChannelID) {
		return apperr.Validation("channel_id", "is not a Discord id")
	}
	if pe.OccurredAt.IsZero() {
		return apperr.Validation("occurred_at", "is required")
	}
	pe.OccurredAt = pe.OccurredAt.UTC()
	return nil
}

func (s *Service) broadcast(ctx context.Context, eventID string) {
	if s.publisher == nil {
		return
	}
	m, err := s.LiveMetrics(ctx, eventID)
	if err != nil {
		s.logger.Warn("live metrics unavailable", zap.String("event_id", eventID), zap.Error(err))
		return
	}
	s.publisher.PublishMetrics(m)
}

// snapshot aggregates the stored events of ev at now.
func (s *Service) snapshot(ctx context.Context, ev *models.Event, now time.Time) (*Snapshot, error) {
	return s.snapshotFrom(ctx, s.store, ev, now)
}

func (s *Service) snapshotFrom(ctx context.Context, log EventLog, ev *models.Event, now time.Time) (*Snapshot, error) {
	history, err := log.ListEvents(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	return Aggregate(ev.ID, history, BoundsFor(ev, now)), nil
}

// ParticipantList returns the sessions of an event. Closed events return their frozen sessions.
func (s *Service) ParticipantList(ctx context.Context, eventID string) ([]models.ParticipantSession, error) {
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status == models.EventClosed {
		return s.store.ListSessions(ctx, eventID)
	}
	snap, err := s.snapshot(ctx, ev, s.now().UTC())
	if err != nil {
		return nil, err
	}
	return snap.ParticipantList(), nil
}

// LiveMetrics reports the current participation of an event.
func (s *Service) LiveMetrics(ctx context.Context, eventID string) (*models.LiveMetrics, error) {
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	snap, err := s.snapshot(ctx, ev, now)
	if err != nil {
		return nil, err
	}
	elapsed := BoundsFor(ev, now).Elapsed()
	return &models.LiveMetrics{
		EventID:              ev.ID,
		Status:               ev.Status,
		CurrentParticipants:  snap.CurrentParticipants(),
		TotalParticipants:    snap.TotalParticipants(),
		TotalDurationMinutes: models.MinutesFromSeconds(int64(snap.TotalDuration() / time.Second)),
		ElapsedMinutes:       math.Round(elapsed.Minutes()*100) / 100,
		ChannelBreakdown:     snap.ChannelBreakdown(),
		GeneratedAt:          now,
	}, nil
}

// History samples participant counts over the last windowHours of the event.
func (s *Service) History(ctx context.Context, eventID string, windowHours int) ([]models.HistorySample, error) {
	if windowHours < MinHistoryHours || windowHours > MaxHistoryHours {
		return nil, apperr.Validation("window_hours", "must be between %d and %d", MinHistoryHours, MaxHistoryHours)
	}
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx, ev, s.now().UTC())
	if err != nil {
		return nil, err
	}
	samples := slices.Collect(snap.History(time.Duration(windowHours) * time.Hour))
	if samples == nil {
		samples = []models.HistorySample{}
	}
	return samples, nil
}

// FreezeSessions computes the final sessions of ev as if it ended at endedAt.
// Called by the event service inside the close transaction; log reads through
// that transaction. A nil log reads from the store.
func (s *Service) FreezeSessions(ctx context.Context, ev *models.Event, endedAt time.Time, log EventLog) ([]models.ParticipantSession, error) {
	if log == nil {
		log = s.store
	}
	closing := *ev
	closing.EndedAt = &endedAt
	snap, err := s.snapshotFrom(ctx, log, &closing, endedAt)
	if err != nil {
		return nil, err
	}
	return snap.ParticipantList(), nil
}
