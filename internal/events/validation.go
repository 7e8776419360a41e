package events

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/pkg/utils"
)

const (
	// MaxTrackedChannels caps the voice channels one event can follow.
	MaxTrackedChannels = 20
	maxNameLength      = 100
	maxNotesLength     = 2000
)

// NewEventID returns a fresh id of the form web-xxxxxxxx.
func NewEventID() string {
	return "web-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateInput is the organizer request for a new event.
type CreateInput struct {
	Name               string
	Type               models.EventType
	OrganizerID        string
	OrganizerName      string
	GuildID            string
	LocationNotes      string
	SessionNotes       string
	TrackedChannels    []models.Channel
	PrimaryChannelID   string
	ScheduledStartTime *time.Time
	AutoStartEnabled   *bool
}

func validateCreate(in *CreateInput, now time.Time) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return apperr.Validation("event_name", "is required")
	}
	if len(in.Name) > maxNameLength {
		return apperr.Validation("event_name", "must be at most %d characters", maxNameLength)
	}
	if !in.Type.Valid() {
		return apperr.Validation("event_type", "unknown type %q", in.Type)
	}
	if strings.TrimSpace(in.OrganizerID) == "" {
		return apperr.Validation("organizer_id", "is required")
	}
	if in.GuildID != "" && !utils.IsDiscordID(in.GuildID) {
		return apperr.Validation("guild_id", "is not a Discord id")
	}
	if len(in.LocationNotes) > maxNotesLength {
		return apperr.Validation("location_notes", "must be at most %d characters", maxNotesLength)
	}
	if len(in.SessionNotes) > maxNotesLength {
		return apperr.Validation("session_notes", "must be at most %d characters", maxNotesLength)
	}
	primary, err := validateChannels(in.TrackedChannels, in.PrimaryChannelID)
	if err != nil {
		return err
	}
	in.PrimaryChannelID = primary
	if in.ScheduledStartTime != nil && !in.ScheduledStartTime.After(now) {
		return apperr.Validation("scheduled_start_time", "must be in the future")
	}
	return nil
}

// validateChannels checks the tracked set and returns the primary channel id,
// defaulting to the first channel when none is given.
func validateChannels(channels []models.Channel, primary string) (string, error) {
	if len(channels) == 0 {
		return "", apperr.Validation("tracked_channels", "must not be empty")
	}
	if len(channels) > MaxTrackedChannels {
		return "", apperr.Validation("tracked_channels", "at most %d channels can be tracked", MaxTrackedChannels)
	}
	seen := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		if !utils.IsDiscordID(ch.ID) {
			return "", apperr.Validation("tracked_channels", "%q is not a Discord channel id", ch.ID)
		}
		if _, dup := seen[ch.ID]; dup {
			return "", apperr.Validation("tracked_channels", "channel %s listed twice", ch.ID)
		}
		seen[ch.ID] = struct{}{}
	}
	if primary == "" {
		return channels[0].ID, nil
	}
	if _, ok := seen[primary]; !ok {
		return "", apperr.Validation("primary_channel_id", "must be one of the tracked channels")
	}
	return primary, nil
}
