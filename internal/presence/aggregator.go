package presence

import (
	"iter"
	"math"
	"sort"
	"time"

	"github.com/redlegion/eventpay/internal/models"
)

// Bounds clamps accumulated time to the event's live window.
type Bounds struct {
	StartedAt *time.Time
	EndedAt   *time.Time
	Now       time.Time
}

// BoundsFor derives the clamp window of ev at now.
func BoundsFor(ev *models.Event, now time.Time) Bounds {
	return Bounds{StartedAt: ev.StartedAt, EndedAt: ev.EndedAt, Now: now}
}

func (b Bounds) end() time.Time {
	if b.EndedAt != nil {
		return *b.EndedAt
	}
	return b.Now
}

func (b Bounds) closed() bool { return b.EndedAt != nil }

// Elapsed is the wall-clock time the event has been live.
func (b Bounds) Elapsed() time.Duration {
	if b.StartedAt == nil {
		return 0
	}
	if e := b.end().Sub(*b.StartedAt); e > 0 {
		return e
	}
	return 0
}

type interval struct {
	channelID string
	start     time.Time
	end       *time.Time
}

type userState struct {
	userID       string
	displayName  string
	channelID    string
	firstSeen    time.Time
	lastActivity time.Time
	intervals    []interval
	open         bool
}

// Snapshot is the aggregated presence of one event at a point in time.
type Snapshot struct {
	eventID string
	bounds  Bounds
	users   map[string]*userState
	// Ignored holds left events that had no matching open interval.
	Ignored []models.PresenceEvent
}

// Aggregate folds raw presence events into per-user intervals.
// The input order does not matter: events are deduplicated and replayed in
// timestamp order. At a single instant a user's leave that matches their open
// interval is applied first, so a reconnect keeps the user present; otherwise
// joins go before leaves.
func Aggregate(eventID string, events []models.PresenceEvent, b Bounds) *Snapshot {
	seen := make(map[string]struct{}, len(events))
	ordered := make([]models.PresenceEvent, 0, len(events))
	for _, e := range events {
		k := e.DedupeKey()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ordered = append(ordered, e)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, c := ordered[i], ordered[j]
		if !a.OccurredAt.Equal(c.OccurredAt) {
			return a.OccurredAt.Before(c.OccurredAt)
		}
		if a.UserID != c.UserID {
			return a.UserID < c.UserID
		}
		if a.Kind != c.Kind {
			return a.Kind == models.PresenceJoined
		}
		return a.ChannelID < c.ChannelID
	})

	s := &Snapshot{eventID: eventID, bounds: b, users: make(map[string]*userState)}
	for start := 0; start < len(ordered); {
		end := start + 1
		for end < len(ordered) &&
			ordered[end].UserID == ordered[start].UserID &&
			ordered[end].OccurredAt.Equal(ordered[start].OccurredAt) {
			end++
		}
		s.applyInstant(ordered[start:end])
		start = end
	}
	return s
}

// applyInstant applies one user's events that share a timestamp.
func (s *Snapshot) applyInstant(group []models.PresenceEvent) {
	first := -1
	if u := s.users[group[0].UserID]; u != nil && u.open {
		for i, e := range group {
			if e.Kind == models.PresenceLeft && (e.ChannelID == "" || e.ChannelID == u.channelID) {
				first = i
				break
			}
		}
	}
	if first >= 0 {
		s.apply(group[first])
	}
	for i, e := range group {
		if i != first {
			s.apply(e)
		}
	}
}

func (s *Snapshot) apply(e models.PresenceEvent) {
	u := s.users[e.UserID]
	switch e.Kind {
	case models.PresenceJoined:
		if u == nil {
			u = &userState{userID: e.UserID, firstSeen: e.OccurredAt}
			s.users[e.UserID] = u
		}
		if u.open {
			// missed leave: close the prior interval at the rejoin
			closeAt := e.OccurredAt
			u.intervals[len(u.intervals)-1].end = &closeAt
		}
		u.intervals = append(u.intervals, interval{channelID: e.ChannelID, start: e.OccurredAt})
		u.open = true
		u.channelID = e.ChannelID
	case models.PresenceLeft:
		if u == nil || !u.open {
			s.Ignored = append(s.Ignored, e)
			return
		}
		last := &u.intervals[len(u.intervals)-1]
		if e.ChannelID != "" && e.ChannelID != last.channelID {
			s.Ignored = append(s.Ignored, e)
			return
		}
		closeAt := e.OccurredAt
		last.end = &closeAt
		u.open = false
	default:
		s.Ignored = append(s.Ignored, e)
		return
	}
	if e.DisplayName != "" {
		u.displayName = e.DisplayName
	}
	u.lastActivity = e.OccurredAt
}

// effectiveEnd is where an interval stops counting.
func (s *Snapshot) effectiveEnd(iv interval) time.Time {
	if iv.end != nil && iv.end.Before(s.bounds.end()) {
		return *iv.end
	}
	return s.bounds.end()
}

func (s *Snapshot) duration(u *userState) time.Duration {
	if s.bounds.StartedAt == nil {
		return 0
	}
	var total time.Duration
	for _, iv := range u.intervals {
		start := iv.start
		if start.Before(*s.bounds.StartedAt) {
			start = *s.bounds.StartedAt
		}
		if d := s.effectiveEnd(iv).Sub(start); d > 0 {
			total += d
		}
	}
	return total
}

func (s *Snapshot) active(u *userState) bool {
	return u.open && !s.bounds.closed()
}

// Session returns the aggregated session of userID.
func (s *Snapshot) Session(userID string) (models.ParticipantSession, bool) {
	u, ok := s.users[userID]
	if !ok {
		return models.ParticipantSession{}, false
	}
	return s.session(u), true
}

func (s *Snapshot) session(u *userState) models.ParticipantSession {
	secs := int64(s.duration(u) / time.Second)
	pct := 0.0
	if elapsed := s.bounds.Elapsed(); elapsed > 0 {
		pct = math.Round(float64(secs)/elapsed.Seconds()*100*100) / 100
	}
	return models.ParticipantSession{
		EventID:                 s.eventID,
		UserID:                  u.userID,
		DisplayName:             u.displayName,
		ChannelID:               u.channelID,
		DurationSeconds:         secs,
		DurationMinutes:         models.MinutesFromSeconds(secs),
		IsActive:                s.active(u),
		FirstSeen:               u.firstSeen,
		LastActivity:            u.lastActivity,
		ParticipationPercentage: pct,
	}
}

// ParticipantList returns all sessions, active first, then by duration.
func (s *Snapshot) ParticipantList() []models.ParticipantSession {
	list := make([]models.ParticipantSession, 0, len(s.users))
	for _, u := range s.users {
		list = append(list, s.session(u))
	}
	SortSessions(list)
	return list
}

// SortSessions orders sessions by (is_active desc, duration desc, user_id asc).
func SortSessions(list []models.ParticipantSession) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].IsActive != list[j].IsActive {
			return list[i].IsActive
		}
		if list[i].DurationSeconds != list[j].DurationSeconds {
			return list[i].DurationSeconds > list[j].DurationSeconds
		}
		return list[i].UserID < list[j].UserID
	})
}

// CurrentParticipants counts users with an open interval.
func (s *Snapshot) CurrentParticipants() int {
	n := 0
	for _, u := range s.users {
		if s.active(u) {
			n++
		}
	}
	return n
}

// TotalParticipants counts every user seen in the event.
func (s *Snapshot) TotalParticipants() int { return len(s.users) }

// TotalDuration sums all participants' clamped durations.
func (s *Snapshot) TotalDuration() time.Duration {
	var total time.Duration
	for _, u := range s.users {
		total += s.duration(u)
	}
	return total
}

// ChannelBreakdown maps channel id to its active participant count.
func (s *Snapshot) ChannelBreakdown() map[string]int {
	out := make(map[string]int)
	for _, u := range s.users {
		if s.active(u) {
			out[u.channelID]++
		}
	}
	return out
}

// History yields participant counts sampled over the last window of the
// event. Nothing is materialised until the sequence is ranged over, and
// every call starts from the stored intervals again.
func (s *Snapshot) History(window time.Duration) iter.Seq[models.HistorySample] {
	return func(yield func(models.HistorySample) bool) {
		if s.bounds.StartedAt == nil || window <= 0 {
			return
		}
		end := s.bounds.end()
		start := end.Add(-window)
		if start.Before(*s.bounds.StartedAt) {
			start = *s.bounds.StartedAt
		}
		step := window / 60
		if step < time.Minute {
			step = time.Minute
		}
		for t := start; !t.After(end); t = t.Add(step) {
			if !yield(s.sampleAt(t)) {
				return
			}
		}
	}
}

func (s *Snapshot) sampleAt(t time.Time) models.HistorySample {
	sample := models.HistorySample{Timestamp: t}
	for _, u := range s.users {
		if len(u.intervals) == 0 || u.intervals[0].start.After(t) {
			continue
		}
		sample.TotalParticipants++
		for _, iv := range u.intervals {
			if iv.start.After(t) {
				break
			}
			if iv.end == nil && !s.bounds.closed() {
				sample.ActiveParticipants++
				break
			}
			if t.Before(s.effectiveEnd(iv)) {
				sample.ActiveParticipants++
				break
			}
		}
	}
	return sample
}
