package models

import (
	"math"
	"time"
)

// PresenceKind is the direction of a presence event.
type PresenceKind string

const (
	PresenceJoined PresenceKind = "joined"
	PresenceLeft   PresenceKind = "left"
)

// PresenceEvent is a raw join/leave report from the voice tracker.
type PresenceEvent struct {
	EventID     string       `json:"event_id"`
	UserID      string       `json:"user_id"`
	ChannelID   string       `json:"channel_id"`
	DisplayName string       `json:"display_name"`
	OccurredAt  time.Time    `json:"occurred_at"`
	Kind        PresenceKind `json:"kind"`
}

// DedupeKey identifies a presence report so redelivery is a no-op.
func (p PresenceEvent) DedupeKey() string {
	return p.UserID + "|" + p.ChannelID + "|" + p.OccurredAt.UTC().Format(time.RFC3339Nano) + "|" + string(p.Kind)
}

// ParticipantSession is one user's accumulated presence within an event.
type ParticipantSession struct {
	EventID                 string    `json:"event_id"`
	UserID                  string    `json:"user_id"`
	DisplayName             string    `json:"display_name"`
	ChannelID               string    `json:"channel_id"`
	DurationSeconds         int64     `json:"duration_seconds"`
	DurationMinutes         float64   `json:"duration_minutes"`
	IsActive                bool      `json:"is_active"`
	FirstSeen               time.Time `json:"first_seen"`
	LastActivity            time.Time `json:"last_activity"`
	ParticipationPercentage float64   `json:"participation_percentage"`
}

// LiveMetrics is the read model behind getLiveMetrics.
type LiveMetrics struct {
	EventID              string         `json:"event_id"`
	Status               EventStatus    `json:"status"`
	CurrentParticipants  int            `json:"current_participants"`
	TotalParticipants    int            `json:"total_participants"`
	TotalDurationMinutes float64        `json:"total_duration_minutes"`
	ElapsedMinutes       float64        `json:"elapsed_minutes"`
	ChannelBreakdown     map[string]int `json:"channel_breakdown"`
	GeneratedAt          time.Time      `json:"generated_at"`
}

// HistorySample is one bucket of the participant history.
type HistorySample struct {
	Timestamp          time.Time `json:"timestamp"`
	TotalParticipants  int       `json:"total_participants"`
	ActiveParticipants int       `json:"active_participants"`
}

// MinutesFromSeconds converts a duration in seconds to minutes rounded to two decimals.
func MinutesFromSeconds(seconds int64) float64 {
	return math.Round(float64(seconds)/60*100) / 100
}
