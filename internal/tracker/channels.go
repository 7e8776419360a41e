package tracker

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/pkg/utils"
)

// Channel list sources.
const (
	SourceTracker     = "tracker"
	SourceDatabase    = "database"
	SourceUnavailable = "unavailable"
)

// VoiceChannel is a guild voice channel organizers can pick as a tracked channel.
type VoiceChannel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Position  int    `json:"position"`
	IsPrimary bool   `json:"is_primary"`
}

// ChannelList is the answer of the channel directory.
type ChannelList struct {
	GuildID  string         `json:"guild_id"`
	Channels []VoiceChannel `json:"channels"`
	Source   string         `json:"source"`
	Message  string         `json:"message,omitempty"`
}

// SyncResult reports a channel sync.
type SyncResult struct {
	GuildID     string `json:"guild_id"`
	Synced      int    `json:"synced_count"`
	Deactivated int    `json:"deactivated_count"`
	Total       int    `json:"total_channels"`
}

// ChannelLister reads the voice channels of a guild from Discord. Client and Bridge implement it.
type ChannelLister interface {
	VoiceChannels(ctx context.Context, guildID string) ([]VoiceChannel, error)
}

// ChannelStore keeps the last synced channel set of each guild.
type ChannelStore interface {
	ListChannels(ctx context.Context, guildID string) ([]VoiceChannel, error)
	SyncChannels(ctx context.Context, guildID string, channels []VoiceChannel) (deactivated int, err error)
}

// Directory lists voice channels live from the tracker, falling back to the stored copy.
type Directory struct {
	lister  ChannelLister
	store   ChannelStore
	guildID string
	logger  *zap.Logger
}

// NewDirectory creates a channel directory. lister is nil when tracking is off; guildID
// is used when a request names no guild.
func NewDirectory(lister ChannelLister, store ChannelStore, guildID string, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{lister: lister, store: store, guildID: guildID, logger: logger}
}

func (d *Directory) guild(guildID string) (string, error) {
	if guildID == "" {
		guildID = d.guildID
	}
	if !utils.IsDiscordID(guildID) {
		return "", apperr.Validation("guild_id", "must be a Discord id")
	}
	return guildID, nil
}

// List returns the voice channels of a guild. A tracker failure is not an error: the
// stored channels are returned with Source database, or none with Source unavailable.
func (d *Directory) List(ctx context.Context, guildID string) (*ChannelList, error) {
	guildID, err := d.guild(guildID)
	if err != nil {
		return nil, err
	}
	out := &ChannelList{GuildID: guildID, Channels: []VoiceChannel{}}
	if d.lister != nil {
		channels, err := d.lister.VoiceChannels(ctx, guildID)
		if err == nil {
			out.Channels = sortChannels(channels)
			out.Source = SourceTracker
			return out, nil
		}
		d.logger.Warn("tracker channel list failed, using stored channels", zap.String("guild_id", guildID), zap.Error(err))
		out.Message = "tracker unavailable: " + err.Error()
	} else {
		out.Message = "presence tracking is disabled"
	}

	stored, err := d.store.ListChannels(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		out.Source = SourceUnavailable
		return out, nil
	}
	out.Channels = sortChannels(stored)
	out.Source = SourceDatabase
	return out, nil
}

// Sync stores the tracker's current voice channels; channels no longer present are deactivated.
func (d *Directory) Sync(ctx context.Context, guildID string) (*SyncResult, error) {
	guildID, err := d.guild(guildID)
	if err != nil {
		return nil, err
	}
	if d.lister == nil {
		return nil, &apperr.TrackerUnavailableError{Err: errors.New("presence tracking is disabled")}
	}
	channels, err := d.lister.VoiceChannels(ctx, guildID)
	if err != nil {
		return nil, &apperr.TrackerUnavailableError{Err: err}
	}
	if len(channels) == 0 {
		return nil, &apperr.TrackerUnavailableError{Err: errors.New("tracker returned no voice channels")}
	}
	deactivated, err := d.store.SyncChannels(ctx, guildID, channels)
	if err != nil {
		return nil, err
	}
	d.logger.Info("voice channels synced", zap.String("guild_id", guildID), zap.Int("channels", len(channels)), zap.Int("deactivated", deactivated))
	return &SyncResult{GuildID: guildID, Synced: len(channels), Deactivated: deactivated, Total: len(channels)}, nil
}

// sortChannels orders primary channels first, then by position and name.
func sortChannels(list []VoiceChannel) []VoiceChannel {
	out := make([]VoiceChannel, 0, len(list))
	for _, c := range list {
		if c.Type == "" {
			c.Type = "voice"
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Name < out[j].Name
	})
	return out
}
