// Package tracker talks to the Discord voice tracker that reports presence for live events.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/models"
)

// Status is the connectivity report of the tracker bot.
type Status struct {
	Connected        bool   `json:"connected"`
	Guilds           int    `json:"guilds"`
	VoiceConnections int    `json:"voice_connections"`
	Error            string `json:"error,omitempty"`
}

type startRequest struct {
	EventID          string           `json:"event_id"`
	EventName        string           `json:"event_name"`
	EventType        models.EventType `json:"event_type"`
	OrganizerName    string           `json:"organizer_name"`
	OrganizerID      string           `json:"organizer_id"`
	GuildID          string           `json:"guild_id,omitempty"`
	Location         string           `json:"location,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	TrackedChannels  []models.Channel `json:"tracked_channels"`
	PrimaryChannelID string           `json:"primary_channel_id"`
}

// Client calls the tracker bot's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a tracker client. Every request is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// BeginTracking asks the bot to follow the tracked channels of ev.
func (c *Client) BeginTracking(ctx context.Context, ev *models.Event) error {
	body := startRequest{
		EventID:          ev.ID,
		EventName:        ev.Name,
		EventType:        ev.Type,
		OrganizerName:    ev.OrganizerName,
		OrganizerID:      ev.OrganizerID,
		GuildID:          ev.GuildID,
		Location:         ev.LocationNotes,
		Notes:            ev.SessionNotes,
		TrackedChannels:  ev.TrackedChannels,
		PrimaryChannelID: ev.PrimaryChannelID,
	}
	if err := c.post(ctx, "/events/start", body); err != nil {
		return err
	}
	c.logger.Info("tracker started", zap.String("event_id", ev.ID), zap.Int("channels", len(ev.TrackedChannels)))
	return nil
}

// EndTracking asks the bot to stop reporting presence for an event.
func (c *Client) EndTracking(ctx context.Context, eventID string) error {
	if err := c.post(ctx, "/events/"+url.PathEscape(eventID)+"/stop", nil); err != nil {
		return err
	}
	c.logger.Info("tracker stopped", zap.String("event_id", eventID))
	return nil
}

// Status reports whether the bot is connected to Discord.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bot/status", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bot status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bot status: HTTP %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode bot status: %w", err)
	}
	return &st, nil
}

// VoiceChannels lists the voice channels the bot sees in a guild.
func (c *Client) VoiceChannels(ctx context.Context, guildID string) ([]VoiceChannel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/discord/channels/"+url.PathEscape(guildID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("guild channels: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("guild channels: HTTP %d", resp.StatusCode)
	}
	var body struct {
		Channels []VoiceChannel `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode guild channels: %w", err)
	}
	out := make([]VoiceChannel, 0, len(body.Channels))
	for _, ch := range body.Channels {
		if ch.Type != "" && ch.Type != "voice" && ch.Type != "stage" {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var detail struct {
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&detail)
	if detail.Detail != "" {
		return fmt.Errorf("POST %s: HTTP %d: %s", path, resp.StatusCode, detail.Detail)
	}
	return fmt.Errorf("POST %s: HTTP %d", path, resp.StatusCode)
}
