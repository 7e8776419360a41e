package models

import (
	"regexp"
	"time"
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventPlanned   EventStatus = "planned"
	EventScheduled EventStatus = "scheduled"
	EventLive      EventStatus = "live"
	EventClosed    EventStatus = "closed"
)

// EventType is the kind of activity an event tracks.
type EventType string

const (
	EventTypeMining   EventType = "mining"
	EventTypeSalvage  EventType = "salvage"
	EventTypeCombat   EventType = "combat"
	EventTypeTraining EventType = "training"
	EventTypeCargo    EventType = "cargo"
	EventTypeOther    EventType = "other"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeMining, EventTypeSalvage, EventTypeCombat, EventTypeTraining, EventTypeCargo, EventTypeOther:
		return true
	}
	return false
}

// Channel is a voice channel reference tracked by an event.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Event is a tracked group activity.
type Event struct {
	ID                   string      `json:"event_id"`
	Name                 string      `json:"event_name"`
	Type                 EventType   `json:"event_type"`
	OrganizerID          string      `json:"organizer_id"`
	OrganizerName        string      `json:"organizer_name"`
	GuildID              string      `json:"guild_id,omitempty"`
	LocationNotes        string      `json:"location_notes,omitempty"`
	SessionNotes         string      `json:"session_notes,omitempty"`
	TrackedChannels      []Channel   `json:"tracked_channels"`
	PrimaryChannelID     string      `json:"primary_channel_id"`
	ScheduledStartTime   *time.Time  `json:"scheduled_start_time,omitempty"`
	AutoStartEnabled     bool        `json:"auto_start_enabled"`
	Status               EventStatus `json:"status"`
	StartedAt            *time.Time  `json:"started_at,omitempty"`
	EndedAt              *time.Time  `json:"ended_at,omitempty"`
	TotalParticipants    int         `json:"total_participants"`
	TotalDurationMinutes float64     `json:"total_duration_minutes"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

var eventIDPattern = regexp.MustCompile(`^(sm|op|tr|web)-[a-zA-Z0-9]{6,20}$`)

// ValidEventID reports whether id has the event id shape.
func ValidEventID(id string) bool {
	return eventIDPattern.MatchString(id)
}

// Tracks reports whether channelID is one of the event's tracked channels.
func (e *Event) Tracks(channelID string) bool {
	for _, ch := range e.TrackedChannels {
		if ch.ID == channelID {
			return true
		}
	}
	return false
}

// ChannelIDs returns the tracked channel ids in configured order.
func (e *Event) ChannelIDs() []string {
	ids := make([]string, 0, len(e.TrackedChannels))
	for _, ch := range e.TrackedChannels {
		ids = append(ids, ch.ID)
	}
	return ids
}

// EventListItem is one row of the event list, with payroll linkage.
type EventListItem struct {
	Event
	PayrollCalculated bool           `json:"payroll_calculated"`
	PayrollStatus     *PayrollStatus `json:"payroll_status,omitempty"`
}

// EventFilter narrows event listings.
type EventFilter struct {
	Status *EventStatus
	Limit  int
}
