package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/internal/presence"
	"github.com/redlegion/eventpay/pkg/keylock"
)

const (
	chanOps    = "111111111111111111"
	chanMining = "222222222222222222"
	organizer  = "333333333333333333"
)

var now0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	events  map[string]*models.Event
	frozen  map[string][]models.ParticipantSession
	mutates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: map[string]*models.Event{}, frozen: map[string][]models.ParticipantSession{}}
}

func (f *fakeStore) Create(_ context.Context, ev *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.CreatedAt, ev.UpdatedAt = now0, now0
	cp := *ev
	f.events[ev.ID] = &cp
	return nil
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

func (f *fakeStore) List(_ context.Context, filter models.EventFilter) ([]models.EventListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EventListItem
	for _, ev := range f.events {
		if filter.Status != nil && ev.Status != *filter.Status {
			continue
		}
		out = append(out, models.EventListItem{Event: *ev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) DueForAutoStart(_ context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, ev := range f.events {
		if ev.Status == models.EventScheduled && ev.AutoStartEnabled && !ev.ScheduledStartTime.After(now) {
			ids = append(ids, ev.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Mutate holds the store mutex for the whole call like the row lock it stands in for.
func (f *fakeStore) Mutate(_ context.Context, id string, fn MutateFunc) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutates++
	stored, ok := f.events[id]
	if !ok {
		return nil, apperr.NotFound("event", id)
	}
	ev := *stored
	sessions, err := fn(&ev, txPresence{eventID: id})
	if err != nil {
		return nil, err
	}
	f.events[id] = &ev
	if sessions != nil {
		f.frozen[id] = sessions
	}
	out := ev
	return &out, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return nil, apperr.NotFound("event", id)
	}
	delete(f.events, id)
	return ev, nil
}

// txPresence stands in for the presence log bound to the Mutate transaction.
type txPresence struct{ eventID string }

func (txPresence) ListEvents(context.Context, string) ([]models.PresenceEvent, error) { return nil, nil }

type fakeSessions struct {
	sessions []models.ParticipantSession
	err      error
	usedLog  presence.EventLog
}

func (f *fakeSessions) FreezeSessions(_ context.Context, _ *models.Event, _ time.Time, log presence.EventLog) ([]models.ParticipantSession, error) {
	f.usedLog = log
	return f.sessions, f.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	begun  []string
	ended  []string
	failed bool
}

func (n *fakeNotifier) BeginTracking(_ context.Context, ev *models.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.begun = append(n.begun, ev.ID)
	if n.failed {
		return errors.New("bot offline")
	}
	return nil
}

func (n *fakeNotifier) EndTracking(_ context.Context, eventID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, eventID)
	if n.failed {
		return errors.New("bot offline")
	}
	return nil
}

type statusLog struct {
	mu       sync.Mutex
	statuses []models.EventStatus
}

func (l *statusLog) PublishStatus(ev *models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, ev.Status)
}

type harness struct {
	svc      *Service
	store    *fakeStore
	sessions *fakeSessions
	notifier *fakeNotifier
	status   *statusLog
	now      time.Time
}

func newHarness() *harness {
	h := &harness{store: newFakeStore(), sessions: &fakeSessions{}, notifier: &fakeNotifier{}, status: &statusLog{}, now: now0}
	h.svc = NewService(h.store, h.sessions, keylock.New(),
		WithNotifier(h.notifier),
		WithPublisher(h.status),
		WithClock(func() time.Time { return h.now }),
	)
	return h
}

func validInput() CreateInput {
	return CreateInput{
		Name:            "Aaron Halo run",
		Type:            models.EventTypeMining,
		OrganizerID:     organizer,
		OrganizerName:   "Dispatch",
		TrackedChannels: []models.Channel{{ID: chanOps, Name: "Ops"}, {ID: chanMining, Name: "Mining"}},
	}
}

func (h *harness) create(t *testing.T, in CreateInput) *models.Event {
	t.Helper()
	ev, err := h.svc.Create(context.Background(), in)
	require.NoError(t, err)
	return ev
}

func TestCreatePlannedAndScheduled(t *testing.T) {
	h := newHarness()

	planned := h.create(t, validInput())
	assert.Equal(t, models.EventPlanned, planned.Status)
	assert.True(t, models.ValidEventID(planned.ID), planned.ID)
	assert.Equal(t, chanOps, planned.PrimaryChannelID)
	assert.False(t, planned.AutoStartEnabled)

	in := validInput()
	start := now0.Add(time.Hour)
	in.ScheduledStartTime = &start
	in.PrimaryChannelID = chanMining
	scheduled := h.create(t, in)
	assert.Equal(t, models.EventScheduled, scheduled.Status)
	assert.True(t, scheduled.AutoStartEnabled)
	assert.Equal(t, chanMining, scheduled.PrimaryChannelID)

	off := false
	in.AutoStartEnabled = &off
	manual := h.create(t, in)
	assert.False(t, manual.AutoStartEnabled)
}

func TestCreateValidation(t *testing.T) {
	past := now0.Add(-time.Minute)
	tooMany := make([]models.Channel, MaxTrackedChannels+1)
	for i := range tooMany {
		tooMany[i] = models.Channel{ID: fmt.Sprintf("1000000000000000%02d", i)}
	}
	cases := []struct {
		name   string
		mutate func(*CreateInput)
		field  string
	}{
		{"no name", func(in *CreateInput) { in.Name = "  " }, "event_name"},
		{"unknown type", func(in *CreateInput) { in.Type = "racing" }, "event_type"},
		{"no organizer", func(in *CreateInput) { in.OrganizerID = "" }, "organizer_id"},
		{"bad guild", func(in *CreateInput) { in.GuildID = "guild" }, "guild_id"},
		{"no channels", func(in *CreateInput) { in.TrackedChannels = nil }, "tracked_channels"},
		{"too many channels", func(in *CreateInput) { in.TrackedChannels = tooMany }, "tracked_channels"},
		{"bad channel id", func(in *CreateInput) { in.TrackedChannels = []models.Channel{{ID: "ops"}} }, "tracked_channels"},
		{"duplicate channel", func(in *CreateInput) {
			in.TrackedChannels = []models.Channel{{ID: chanOps}, {ID: chanOps}}
		}, "tracked_channels"},
		{"primary not tracked", func(in *CreateInput) { in.PrimaryChannelID = "999999999999999999" }, "primary_channel_id"},
		{"start in past", func(in *CreateInput) { in.ScheduledStartTime = &past }, "scheduled_start_time"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			in := validInput()
			tc.mutate(&in)
			_, err := h.svc.Create(context.Background(), in)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.Empty(t, h.store.events)
		})
	}
}

func TestStartAndCloseLifecycle(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	ev := h.create(t, validInput())

	live, err := h.svc.Start(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventLive, live.Status)
	require.NotNil(t, live.StartedAt)
	assert.Equal(t, now0, *live.StartedAt)

	h.sessions.sessions = []models.ParticipantSession{
		{EventID: ev.ID, UserID: "u1", DurationSeconds: 3600},
		{EventID: ev.ID, UserID: "u2", DurationSeconds: 1800},
	}
	h.now = now0.Add(2 * time.Hour)
	closed, err := h.svc.Close(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventClosed, closed.Status)
	require.NotNil(t, closed.EndedAt)
	assert.Equal(t, h.now, *closed.EndedAt)
	assert.Equal(t, 2, closed.TotalParticipants)
	assert.Equal(t, 90.0, closed.TotalDurationMinutes)
	assert.Len(t, h.store.frozen[ev.ID], 2)

	h.svc.Wait()
	assert.Equal(t, []string{ev.ID}, h.notifier.begun)
	assert.Equal(t, []string{ev.ID}, h.notifier.ended)
	assert.Equal(t, []models.EventStatus{models.EventLive, models.EventClosed}, h.status.statuses)
}

func TestIllegalTransitions(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	ev := h.create(t, validInput())

	_, err := h.svc.Close(ctx, ev.ID)
	var ise *apperr.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "planned", ise.State)

	_, err = h.svc.Start(ctx, ev.ID)
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, ev.ID)
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "live", ise.State)

	_, err = h.svc.Close(ctx, ev.ID)
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, ev.ID)
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "closed", ise.State)
	_, err = h.svc.Close(ctx, ev.ID)
	require.ErrorAs(t, err, &ise)

	_, err = h.svc.Start(ctx, "web-missing1")
	assert.True(t, apperr.IsNotFound(err))
}

func TestCloseReadsPresenceThroughLockedTransaction(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	ev := h.create(t, validInput())
	_, err := h.svc.Start(ctx, ev.ID)
	require.NoError(t, err)

	_, err = h.svc.Close(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, txPresence{eventID: ev.ID}, h.sessions.usedLog)
}

func TestCloseFreezeFailureLeavesEventLive(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	ev := h.create(t, validInput())
	_, err := h.svc.Start(ctx, ev.ID)
	require.NoError(t, err)

	h.sessions.err = errors.New("db down")
	_, err = h.svc.Close(ctx, ev.ID)
	require.Error(t, err)

	got, err := h.svc.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventLive, got.Status)
	assert.Nil(t, got.EndedAt)
}

func TestConcurrentStartOnlyOneWins(t *testing.T) {
	h := newHarness()
	ev := h.create(t, validInput())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Start(context.Background(), ev.ID)
			mu.Lock()
			defer mu.Unlock()
			var ise *apperr.InvalidStateError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &ise):
				conflicts++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflicts)
}

func TestAutoStartSweep(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	due := validInput()
	soon := now0.Add(10 * time.Minute)
	due.ScheduledStartTime = &soon
	dueEv := h.create(t, due)

	later := validInput()
	far := now0.Add(5 * time.Hour)
	later.ScheduledStartTime = &far
	laterEv := h.create(t, later)

	h.now = now0.Add(15 * time.Minute)
	n, err := h.svc.AutoStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := h.svc.Get(ctx, dueEv.ID)
	assert.Equal(t, models.EventLive, got.Status)
	got, _ = h.svc.Get(ctx, laterEv.ID)
	assert.Equal(t, models.EventScheduled, got.Status)

	n, err = h.svc.AutoStart(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoStartSkipsEventStartedMeanwhile(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	in := validInput()
	soon := now0.Add(time.Minute)
	in.ScheduledStartTime = &soon
	ev := h.create(t, in)

	h.now = now0.Add(2 * time.Minute)
	_, err := h.svc.Start(ctx, ev.ID)
	require.NoError(t, err)

	// a stale due list must not restart the event
	stale := &staleDueStore{fakeStore: h.store, ids: []string{ev.ID}}
	svc := NewService(stale, h.sessions, keylock.New(), WithClock(func() time.Time { return h.now }))
	n, err := svc.AutoStart(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type staleDueStore struct {
	*fakeStore
	ids []string
}

func (s *staleDueStore) DueForAutoStart(context.Context, time.Time) ([]string, error) {
	return s.ids, nil
}

func TestUpdateChannels(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	ev := h.create(t, validInput())

	updated, err := h.svc.UpdateChannels(ctx, ev.ID, []models.Channel{{ID: chanMining, Name: "Mining"}}, "")
	require.NoError(t, err)
	assert.Equal(t, chanMining, updated.PrimaryChannelID)
	assert.Len(t, updated.TrackedChannels, 1)

	_, err = h.svc.Start(ctx, ev.ID)
	require.NoError(t, err)
	_, err = h.svc.UpdateChannels(ctx, ev.ID, []models.Channel{{ID: chanOps}, {ID: chanMining}}, chanOps)
	require.NoError(t, err)
	h.svc.Wait()
	assert.Equal(t, []string{ev.ID, ev.ID}, h.notifier.begun)

	_, err = h.svc.Close(ctx, ev.ID)
	require.NoError(t, err)
	_, err = h.svc.UpdateChannels(ctx, ev.ID, []models.Channel{{ID: chanOps}}, "")
	var ise *apperr.InvalidStateError
	assert.ErrorAs(t, err, &ise)
}

func TestDeleteLiveEventEndsTracking(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	ev := h.create(t, validInput())
	_, err := h.svc.Start(ctx, ev.ID)
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(ctx, ev.ID))
	h.svc.Wait()
	assert.Equal(t, []string{ev.ID}, h.notifier.ended)

	_, err = h.svc.Get(ctx, ev.ID)
	assert.True(t, apperr.IsNotFound(err))
	assert.True(t, apperr.IsNotFound(h.svc.Delete(ctx, ev.ID)))
}

func TestTrackerFailureDoesNotFailStart(t *testing.T) {
	h := newHarness()
	h.notifier.failed = true
	ev := h.create(t, validInput())

	live, err := h.svc.Start(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventLive, live.Status)
	h.svc.Wait()
	assert.Len(t, h.notifier.begun, 1)
}

func TestListScheduled(t *testing.T) {
	h := newHarness()
	h.create(t, validInput())
	in := validInput()
	start := now0.Add(time.Hour)
	in.ScheduledStartTime = &start
	scheduled := h.create(t, in)

	list, err := h.svc.ListScheduled(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, scheduled.ID, list[0].ID)
}
