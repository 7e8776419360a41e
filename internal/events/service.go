package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/internal/presence"
	"github.com/redlegion/eventpay/pkg/keylock"
)

// MutateFunc edits a locked event in place. log reads presence through the same
// transaction. Sessions it returns are stored frozen in that transaction.
type MutateFunc func(ev *models.Event, log presence.EventLog) ([]models.ParticipantSession, error)

// Store persists events. Mutate and Delete must hold a row lock for the whole call.
type Store interface {
	Create(ctx context.Context, ev *models.Event) error
	Get(ctx context.Context, id string) (*models.Event, error)
	List(ctx context.Context, f models.EventFilter) ([]models.EventListItem, error)
	DueForAutoStart(ctx context.Context, now time.Time) ([]string, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (*models.Event, error)
	Delete(ctx context.Context, id string) (*models.Event, error)
}

// SessionSource computes the final participant sessions of an event that is closing.
type SessionSource interface {
	FreezeSessions(ctx context.Context, ev *models.Event, endedAt time.Time, log presence.EventLog) ([]models.ParticipantSession, error)
}

// Notifier tells the presence tracker which channels to follow.
type Notifier interface {
	BeginTracking(ctx context.Context, ev *models.Event) error
	EndTracking(ctx context.Context, eventID string) error
}

// StatusPublisher pushes lifecycle changes to live subscribers.
type StatusPublisher interface {
	PublishStatus(ev *models.Event)
}

// errSkip aborts a Mutate without reporting an error to the caller.
var errSkip = errors.New("skip")

// Service owns the event lifecycle: planned/scheduled -> live -> closed.
type Service struct {
	store         Store
	sessions      SessionSource
	locks         *keylock.Locker
	notifier      Notifier
	publisher     StatusPublisher
	now           func() time.Time
	notifyTimeout time.Duration
	logger        *zap.Logger
	inflight      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the presence tracker notifier.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithPublisher sets the live status publisher.
func WithPublisher(p StatusPublisher) Option { return func(s *Service) { s.publisher = p } }

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

// WithNotifyTimeout bounds each tracker notification.
func WithNotifyTimeout(d time.Duration) Option { return func(s *Service) { s.notifyTimeout = d } }

// NewService creates the event service. locks is shared with the payroll service so that
// every mutating operation on one event is serialized in-process.
func NewService(store Store, sessions SessionSource, locks *keylock.Locker, opts ...Option) *Service {
	s := &Service{
		store:         store,
		sessions:      sessions,
		locks:         locks,
		now:           time.Now,
		notifyTimeout: 30 * time.Second,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a new event as planned, or scheduled when a future start is given.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Event, error) {
	now := s.now().UTC()
	if err := validateCreate(&in, now); err != nil {
		return nil, err
	}
	ev := &models.Event{
		ID:                 NewEventID(),
		Name:               in.Name,
		Type:               in.Type,
		OrganizerID:        in.OrganizerID,
		OrganizerName:      in.OrganizerName,
		GuildID:            in.GuildID,
		LocationNotes:      in.LocationNotes,
		SessionNotes:       in.SessionNotes,
		TrackedChannels:    in.TrackedChannels,
		PrimaryChannelID:   in.PrimaryChannelID,
		ScheduledStartTime: in.ScheduledStartTime,
		Status:             models.EventPlanned,
	}
	if in.ScheduledStartTime != nil {
		ev.Status = models.EventScheduled
		ev.AutoStartEnabled = true
	}
	if in.AutoStartEnabled != nil {
		ev.AutoStartEnabled = *in.AutoStartEnabled && in.ScheduledStartTime != nil
	}
	if err := s.store.Create(ctx, ev); err != nil {
		return nil, err
	}
	s.logger.Info("event created",
		zap.String("event_id", ev.ID),
		zap.String("status", string(ev.Status)),
		zap.Int("tracked_channels", len(ev.TrackedChannels)),
	)
	return ev, nil
}

// Get returns one event.
func (s *Service) Get(ctx context.Context, id string) (*models.Event, error) {
	return s.store.Get(ctx, id)
}

// List returns events, newest first.
func (s *Service) List(ctx context.Context, f models.EventFilter) ([]models.EventListItem, error) {
	return s.store.List(ctx, f)
}

// ListScheduled returns events waiting for their start time.
func (s *Service) ListScheduled(ctx context.Context) ([]models.EventListItem, error) {
	status := models.EventScheduled
	return s.store.List(ctx, models.EventFilter{Status: &status})
}

// Start moves a planned or scheduled event to live.
func (s *Service) Start(ctx context.Context, id string) (*models.Event, error) {
	ev, err := s.transition(ctx, id, func(ev *models.Event, _ presence.EventLog) ([]models.ParticipantSession, error) {
		if ev.Status != models.EventPlanned && ev.Status != models.EventScheduled {
			return nil, apperr.InvalidState("start", string(ev.Status))
		}
		s.markLive(ev)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.afterStart(ctx, ev, "manual")
	return ev, nil
}

// AutoStart starts every scheduled event whose start time has passed. Events that
// another caller already started are skipped, so the sweep can run any number of times.
func (s *Service) AutoStart(ctx context.Context) (int, error) {
	now := s.now().UTC()
	ids, err := s.store.DueForAutoStart(ctx, now)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, id := range ids {
		ev, err := s.transition(ctx, id, func(ev *models.Event, _ presence.EventLog) ([]models.ParticipantSession, error) {
			if ev.Status != models.EventScheduled || !ev.AutoStartEnabled ||
				ev.ScheduledStartTime == nil || ev.ScheduledStartTime.After(now) {
				return nil, errSkip
			}
			s.markLive(ev)
			return nil, nil
		})
		switch {
		case errors.Is(err, errSkip), apperr.IsNotFound(err):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return started, ctx.Err()
			}
			s.logger.Error("auto start failed", zap.String("event_id", id), zap.Error(err))
			continue
		}
		started++
		s.afterStart(ctx, ev, "auto")
	}
	return started, nil
}

func (s *Service) markLive(ev *models.Event) {
	startedAt := s.now().UTC()
	ev.Status = models.EventLive
	ev.StartedAt = &startedAt
}

func (s *Service) afterStart(ctx context.Context, ev *models.Event, trigger string) {
	s.logger.Info("event started", zap.String("event_id", ev.ID), zap.String("trigger", trigger))
	s.publish(ev)
	snapshot := *ev
	s.notify(ctx, ev.ID, func(ctx context.Context) error { return s.notifier.BeginTracking(ctx, &snapshot) })
}

// Close ends a live event and freezes its participant sessions.
func (s *Service) Close(ctx context.Context, id string) (*models.Event, error) {
	ev, err := s.transition(ctx, id, func(ev *models.Event, log presence.EventLog) ([]models.ParticipantSession, error) {
		if ev.Status != models.EventLive {
			return nil, apperr.InvalidState("close", string(ev.Status))
		}
		endedAt := s.now().UTC()
		if ev.StartedAt != nil && endedAt.Before(*ev.StartedAt) {
			endedAt = *ev.StartedAt
		}
		sessions, err := s.sessions.FreezeSessions(ctx, ev, endedAt, log)
		if err != nil {
			return nil, err
		}
		var totalSeconds int64
		for _, ps := range sessions {
			totalSeconds += ps.DurationSeconds
		}
		ev.Status = models.EventClosed
		ev.EndedAt = &endedAt
		ev.TotalParticipants = len(sessions)
		ev.TotalDurationMinutes = models.MinutesFromSeconds(totalSeconds)
		if sessions == nil {
			sessions = []models.ParticipantSession{}
		}
		return sessions, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("event closed",
		zap.String("event_id", ev.ID),
		zap.Int("participants", ev.TotalParticipants),
		zap.Float64("total_minutes", ev.TotalDurationMinutes),
	)
	s.publish(ev)
	s.notify(ctx, ev.ID, func(ctx context.Context) error { return s.notifier.EndTracking(ctx, ev.ID) })
	return ev, nil
}

// UpdateChannels replaces the tracked channel set of an event that has not closed.
func (s *Service) UpdateChannels(ctx context.Context, id string, channels []models.Channel, primary string) (*models.Event, error) {
	ev, err := s.transition(ctx, id, func(ev *models.Event, _ presence.EventLog) ([]models.ParticipantSession, error) {
		if ev.Status == models.EventClosed {
			return nil, apperr.InvalidState("update channels", string(ev.Status))
		}
		p, err := validateChannels(channels, primary)
		if err != nil {
			return nil, err
		}
		ev.TrackedChannels = channels
		ev.PrimaryChannelID = p
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if ev.Status == models.EventLive {
		snapshot := *ev
		s.notify(ctx, ev.ID, func(ctx context.Context) error { return s.notifier.BeginTracking(ctx, &snapshot) })
	}
	return ev, nil
}

// Delete removes an event and everything that depends on it. Irreversible.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	ev, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Warn("event deleted", zap.String("event_id", id), zap.String("status", string(ev.Status)))
	if ev.Status == models.EventLive {
		s.notify(ctx, id, func(ctx context.Context) error { return s.notifier.EndTracking(ctx, id) })
	}
	return nil
}

// Wait blocks until in-flight tracker notifications finish.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) transition(ctx context.Context, id string, fn MutateFunc) (*models.Event, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.store.Mutate(ctx, id, fn)
}

func (s *Service) publish(ev *models.Event) {
	if s.publisher != nil {
		s.publisher.PublishStatus(ev)
	}
}

// notify runs a tracker call in the background. Failures never reach the caller.
func (s *Service) notify(ctx context.Context, eventID string, call func(context.Context) error) {
	if s.notifier == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		defer cancel()
		if err := call(nctx); err != nil {
			s.logger.Warn("tracker notification failed",
				zap.String("event_id", eventID),
				zap.Error(&apperr.TrackerUnavailableError{EventID: eventID, Err: err}),
			)
		}
	}()
}
