package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
)

const (
	chanA = "111111111111111111"
	chanB = "222222222222222222"
	userA = "333333333333333333"
	userB = "444444444444444444"
)

type fakeStore struct {
	mu       sync.Mutex
	events   map[string]*models.Event
	reports  []models.PresenceEvent
	keys     map[string]struct{}
	sessions map[string]models.ParticipantSession
}

func newFakeStore(evs ...*models.Event) *fakeStore {
	f := &fakeStore{events: map[string]*models.Event{}, keys: map[string]struct{}{}, sessions: map[string]models.ParticipantSession{}}
	for _, ev := range evs {
		f.events[ev.ID] = ev
	}
	return f
}

func (f *fakeStore) Get(_ context.Context, id string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil, apperr.NotFound("event", id)
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeStore) Ingest(_ context.Context, pe models.PresenceEvent,
	validate func(*models.Event) error,
	apply func(*models.Event, []models.PresenceEvent) *models.ParticipantSession,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[pe.EventID]
	if !ok {
		return false, apperr.NotFound("event", pe.EventID)
	}
	if err := validate(ev); err != nil {
		return false, err
	}
	key := pe.EventID + "/" + pe.DedupeKey()
	if _, dup := f.keys[key]; dup {
		return false, nil
	}
	f.keys[key] = struct{}{}
	f.reports = append(f.reports, pe)
	var mine []models.PresenceEvent
	for _, r := range f.reports {
		if r.EventID == pe.EventID && r.UserID == pe.UserID {
			mine = append(mine, r)
		}
	}
	if s := apply(ev, mine); s != nil {
		f.sessions[pe.UserID] = *s
	}
	return true, nil
}

func (f *fakeStore) ListEvents(_ context.Context, eventID string) ([]models.PresenceEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PresenceEvent
	for _, r := range f.reports {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListSessions(_ context.Context, _ string) ([]models.ParticipantSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.ParticipantSession{}
	for _, s := range f.sessions {
		out = append(out, s)
	}
	SortSessions(out)
	return out, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	metrics []*models.LiveMetrics
}

func (p *recordingPublisher) PublishMetrics(m *models.LiveMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = append(p.metrics, m)
}

func liveEvent() *models.Event {
	started := at(0)
	return &models.Event{
		ID:               "web-abc123",
		Status:           models.EventLive,
		TrackedChannels:  []models.Channel{{ID: chanA, Name: "Ops"}, {ID: chanB, Name: "Mining"}},
		PrimaryChannelID: chanA,
		StartedAt:        &started,
	}
}

func newTestService(store *fakeStore, nowMin int, opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return at(nowMin) })}, opts...)
	return NewService(store, store, opts...)
}

func report(user, channel string, min int, kind models.PresenceKind) models.PresenceEvent {
	return models.PresenceEvent{EventID: "web-abc123", UserID: user, ChannelID: channel, DisplayName: "pilot", OccurredAt: at(min), Kind: kind}
}

func TestIngestUpdatesSessionAndBroadcasts(t *testing.T) {
	store := newFakeStore(liveEvent())
	pub := &recordingPublisher{}
	svc := newTestService(store, 30, WithPublisher(pub))
	ctx := context.Background()

	ok, err := svc.Ingest(ctx, report(userA, chanA, 0, models.PresenceJoined))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.Ingest(ctx, report(userA, chanA, 20, models.PresenceLeft))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int64(20*60), store.sessions[userA].DurationSeconds)
	require.Len(t, pub.metrics, 2)
	last := pub.metrics[1]
	assert.Equal(t, 0, last.CurrentParticipants)
	assert.Equal(t, 1, last.TotalParticipants)
	assert.Equal(t, 20.0, last.TotalDurationMinutes)
	assert.Equal(t, 30.0, last.ElapsedMinutes)
}

func TestIngestDuplicateIsNoop(t *testing.T) {
	store := newFakeStore(liveEvent())
	pub := &recordingPublisher{}
	svc := newTestService(store, 30, WithPublisher(pub))
	ctx := context.Background()

	pe := report(userA, chanA, 0, models.PresenceJoined)
	_, err := svc.Ingest(ctx, pe)
	require.NoError(t, err)
	ok, err := svc.Ingest(ctx, pe)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, store.reports, 1)
	assert.Len(t, pub.metrics, 1)
}

func TestIngestRejectsNonLiveEvent(t *testing.T) {
	for _, status := range []models.EventStatus{models.EventPlanned, models.EventScheduled, models.EventClosed} {
		ev := liveEvent()
		ev.Status = status
		svc := newTestService(newFakeStore(ev), 30)

		_, err := svc.Ingest(context.Background(), report(userA, chanA, 1, models.PresenceJoined))
		var ise *apperr.InvalidStateError
		require.ErrorAs(t, err, &ise, string(status))
		assert.Equal(t, string(status), ise.State)
	}
}

func TestIngestValidation(t *testing.T) {
	svc := newTestService(newFakeStore(liveEvent()), 30)
	cases := []struct {
		name  string
		pe    models.PresenceEvent
		field string
	}{
		{"bad user", report("bob", chanA, 0, models.PresenceJoined), "user_id"},
		{"join without channel", report(userA, "", 0, models.PresenceJoined), "channel_id"},
		{"bad channel", report(userA, "general", 0, models.PresenceJoined), "channel_id"},
		{"untracked channel", report(userA, "555555555555555555", 0, models.PresenceJoined), "channel_id"},
		{"bad kind", report(userA, chanA, 0, "moved"), "kind"},
		{"no timestamp", models.PresenceEvent{EventID: "web-abc123", UserID: userA, ChannelID: chanA, Kind: models.PresenceJoined}, "occurred_at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Ingest(context.Background(), tc.pe)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestIngestUnknownEvent(t *testing.T) {
	svc := newTestService(newFakeStore(), 30)
	pe := report(userA, chanA, 0, models.PresenceJoined)
	pe.EventID = "web-zzz999"
	_, err := svc.Ingest(context.Background(), pe)
	assert.True(t, apperr.IsNotFound(err))
}

func TestIngestUnmatchedLeaveStoresNoSession(t *testing.T) {
	store := newFakeStore(liveEvent())
	svc := newTestService(store, 30)

	ok, err := svc.Ingest(context.Background(), report(userB, chanA, 5, models.PresenceLeft))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, store.sessions)
}

func TestConcurrentIngestConverges(t *testing.T) {
	store := newFakeStore(liveEvent())
	svc := newTestService(store, 60)
	reports := []models.PresenceEvent{
		report(userA, chanA, 0, models.PresenceJoined), report(userA, chanA, 10, models.PresenceLeft),
		report(userA, chanB, 15, models.PresenceJoined), report(userA, chanB, 45, models.PresenceLeft),
		report(userB, chanB, 5, models.PresenceJoined),
	}
	var wg sync.WaitGroup
	for i := len(reports) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(pe models.PresenceEvent) {
			defer wg.Done()
			_, err := svc.Ingest(context.Background(), pe)
			assert.NoError(t, err)
		}(reports[i])
	}
	wg.Wait()

	list, err := svc.ParticipantList(context.Background(), "web-abc123")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, userB, list[0].UserID)
	assert.Equal(t, int64(55*60), list[0].DurationSeconds)
	assert.Equal(t, int64(40*60), list[1].DurationSeconds)
}

func TestLiveMetricsBreakdown(t *testing.T) {
	store := newFakeStore(liveEvent())
	svc := newTestService(store, 30)
	ctx := context.Background()
	for _, pe := range []models.PresenceEvent{
		report(userA, chanA, 0, models.PresenceJoined),
		report(userB, chanB, 10, models.PresenceJoined),
	} {
		_, err := svc.Ingest(ctx, pe)
		require.NoError(t, err)
	}

	m, err := svc.LiveMetrics(ctx, "web-abc123")
	require.NoError(t, err)
	assert.Equal(t, models.EventLive, m.Status)
	assert.Equal(t, 2, m.CurrentParticipants)
	assert.Equal(t, map[string]int{chanA: 1, chanB: 1}, m.ChannelBreakdown)
	assert.Equal(t, 50.0, m.TotalDurationMinutes)
	assert.Equal(t, at(30), m.GeneratedAt)
}

func TestHistoryWindowBounds(t *testing.T) {
	svc := newTestService(newFakeStore(liveEvent()), 30)
	for _, hours := range []int{0, 169} {
		_, err := svc.History(context.Background(), "web-abc123", hours)
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "window_hours", ve.Field)
	}
	samples, err := svc.History(context.Background(), "web-abc123", 1)
	require.NoError(t, err)
	assert.Len(t, samples, 31)
}

func TestFreezeSessionsClampsToEnd(t *testing.T) {
	store := newFakeStore(liveEvent())
	svc := newTestService(store, 40)
	ctx := context.Background()
	_, err := svc.Ingest(ctx, report(userA, chanA, 0, models.PresenceJoined))
	require.NoError(t, err)

	ev, err := store.Get(ctx, "web-abc123")
	require.NoError(t, err)
	sessions, err := svc.FreezeSessions(ctx, ev, at(40), nil)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].IsActive)
	assert.Equal(t, int64(40*60), sessions[0].DurationSeconds)
	assert.Equal(t, 100.0, sessions[0].ParticipationPercentage)
}

type listedLog []models.PresenceEvent

func (l listedLog) ListEvents(context.Context, string) ([]models.PresenceEvent, error) { return l, nil }

func TestFreezeSessionsReadsGivenLog(t *testing.T) {
	store := newFakeStore(liveEvent())
	svc := newTestService(store, 40)
	ctx := context.Background()
	ev, err := store.Get(ctx, "web-abc123")
	require.NoError(t, err)

	log := listedLog{
		{EventID: ev.ID, UserID: userB, ChannelID: chanA, Kind: models.PresenceJoined, OccurredAt: at(10)},
	}
	sessions, err := svc.FreezeSessions(ctx, ev, at(40), log)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, userB, sessions[0].UserID)
	assert.Equal(t, int64(30*60), sessions[0].DurationSeconds)
}

func TestParticipantListOfClosedEventUsesStoredSessions(t *testing.T) {
	ev := liveEvent()
	store := newFakeStore(ev)
	svc := newTestService(store, 30)
	_, err := svc.Ingest(context.Background(), report(userA, chanA, 0, models.PresenceJoined))
	require.NoError(t, err)

	ended := at(20)
	store.events[ev.ID].Status = models.EventClosed
	store.events[ev.ID].EndedAt = &ended
	store.sessions[userA] = models.ParticipantSession{EventID: ev.ID, UserID: userA, DurationSeconds: 1200}

	list, err := svc.ParticipantList(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1200), list[0].DurationSeconds)
}
