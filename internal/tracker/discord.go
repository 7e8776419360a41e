package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/models"
)

// Ingester accepts presence reports.
type Ingester interface {
	Ingest(ctx context.Context, pe models.PresenceEvent) (bool, error)
}

// VoiceState is a voice channel move of one guild member. An empty channel id means
// not connected.
type VoiceState struct {
	GuildID         string
	UserID          string
	DisplayName     string
	IsBot           bool
	BeforeChannelID string
	AfterChannelID  string
}

// Bridge tracks voice presence in-process through a Discord gateway session and feeds
// join/leave reports straight into presence ingestion.
type Bridge struct {
	session *discordgo.Session
	guildID string
	ingest  Ingester
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu       sync.RWMutex
	channels map[string]string // channel id -> event id
}

// NewBridge creates a bridge for one guild. Call Open to connect.
func NewBridge(token, guildID string, ingest Ingester, timeout time.Duration, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var s *discordgo.Session
	if token != "" {
		var err error
		s, err = discordgo.New("Bot " + token)
		if err != nil {
			return nil, fmt.Errorf("discord session: %w", err)
		}
		s.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates)
		s.State.TrackVoice = true
	}
	return &Bridge{
		session:  s,
		guildID:  guildID,
		ingest:   ingest,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger,
		channels: make(map[string]string),
	}, nil
}

// Open connects to the gateway and starts handling voice state updates.
func (b *Bridge) Open() error {
	if b.session == nil {
		return fmt.Errorf("discord bridge has no session")
	}
	b.session.AddHandler(func(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		if vs == nil || vs.VoiceState == nil {
			return
		}
		state := VoiceState{GuildID: vs.GuildID, UserID: vs.UserID, AfterChannelID: vs.ChannelID}
		if vs.BeforeUpdate != nil {
			state.BeforeChannelID = vs.BeforeUpdate.ChannelID
		}
		if vs.Member != nil {
			state.DisplayName = memberName(vs.Member)
			state.IsBot = vs.Member.User != nil && vs.Member.User.Bot
		}
		b.HandleVoiceState(context.Background(), state)
	})
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord gateway: %w", err)
	}
	b.logger.Info("discord voice bridge connected", zap.String("guild_id", b.guildID))
	return nil
}

// Close disconnects from the gateway.
func (b *Bridge) Close() error {
	if b.session == nil {
		return nil
	}
	return b.session.Close()
}

// BeginTracking maps the event's channels to it and reports members already connected.
func (b *Bridge) BeginTracking(ctx context.Context, ev *models.Event) error {
	b.mu.Lock()
	for ch, id := range b.channels {
		if id == ev.ID {
			delete(b.channels, ch)
		}
	}
	for _, ch := range ev.TrackedChannels {
		if other, ok := b.channels[ch.ID]; ok && other != ev.ID {
			b.logger.Warn("channel moved to another event", zap.String("channel_id", ch.ID),
				zap.String("from_event", other), zap.String("to_event", ev.ID))
		}
		b.channels[ch.ID] = ev.ID
	}
	b.mu.Unlock()

	for _, vs := range b.connectedMembers() {
		if ev.Tracks(vs.AfterChannelID) {
			b.report(ctx, ev.ID, vs, vs.AfterChannelID, models.PresenceJoined)
		}
	}
	return nil
}

// EndTracking forgets the channels of an event.
func (b *Bridge) EndTracking(_ context.Context, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, id := range b.channels {
		if id == eventID {
			delete(b.channels, ch)
		}
	}
	return nil
}

// Status reports the gateway connection.
func (b *Bridge) Status(_ context.Context) (*Status, error) {
	st := &Status{}
	b.mu.RLock()
	st.VoiceConnections = len(b.channels)
	b.mu.RUnlock()
	if b.session == nil {
		st.Error = "no discord token configured"
		return st, nil
	}
	st.Connected = b.session.DataReady
	b.session.State.RLock()
	st.Guilds = len(b.session.State.Guilds)
	b.session.State.RUnlock()
	return st, nil
}

// HandleVoiceState turns a channel move into leave and join reports for tracked channels.
func (b *Bridge) HandleVoiceState(ctx context.Context, vs VoiceState) {
	if vs.IsBot || vs.UserID == "" || (b.guildID != "" && vs.GuildID != b.guildID) {
		return
	}
	if vs.BeforeChannelID == vs.AfterChannelID {
		// mute, deafen or stream toggles
		return
	}
	if vs.BeforeChannelID != "" {
		if eventID, ok := b.eventFor(vs.BeforeChannelID); ok {
			b.report(ctx, eventID, vs, vs.BeforeChannelID, models.PresenceLeft)
		}
	}
	if vs.AfterChannelID != "" {
		if eventID, ok := b.eventFor(vs.AfterChannelID); ok {
			b.report(ctx, eventID, vs, vs.AfterChannelID, models.PresenceJoined)
		}
	}
}

func (b *Bridge) eventFor(channelID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.channels[channelID]
	return id, ok
}

func (b *Bridge) report(ctx context.Context, eventID string, vs VoiceState, channelID string, kind models.PresenceKind) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	pe := models.PresenceEvent{
		EventID:     eventID,
		UserID:      vs.UserID,
		ChannelID:   channelID,
		DisplayName: vs.DisplayName,
		OccurredAt:  b.now().UTC(),
		Kind:        kind,
	}
	if _, err := b.ingest.Ingest(ctx, pe); err != nil {
		b.logger.Warn("presence report rejected",
			zap.String("event_id", eventID),
			zap.String("user_id", vs.UserID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func (b *Bridge) connectedMembers() []VoiceState {
	if b.session == nil || b.guildID == "" {
		return nil
	}
	g, err := b.session.State.Guild(b.guildID)
	if err != nil {
		return nil
	}
	b.session.State.RLock()
	defer b.session.State.RUnlock()
	out := make([]VoiceState, 0, len(g.VoiceStates))
	for _, v := range g.VoiceStates {
		if v.ChannelID == "" {
			continue
		}
		vs := VoiceState{GuildID: b.guildID, UserID: v.UserID, AfterChannelID: v.ChannelID}
		if v.Member != nil {
			vs.DisplayName = memberName(v.Member)
			vs.IsBot = v.Member.User != nil && v.Member.User.Bot
		}
		if !vs.IsBot {
			out = append(out, vs)
		}
	}
	return out
}

// VoiceChannels lists the guild's voice and stage channels, from the gateway cache when
// it has the guild and from the REST API otherwise.
func (b *Bridge) VoiceChannels(ctx context.Context, guildID string) ([]VoiceChannel, error) {
	if b.session == nil {
		return nil, fmt.Errorf("discord bridge has no session")
	}
	if guildID == "" {
		guildID = b.guildID
	}
	if g, err := b.session.State.Guild(guildID); err == nil {
		b.session.State.RLock()
		cached := voiceChannels(g.Channels)
		b.session.State.RUnlock()
		if len(cached) > 0 {
			return cached, nil
		}
	}
	channels, err := b.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("guild channels: %w", err)
	}
	return voiceChannels(channels), nil
}

func voiceChannels(channels []*discordgo.Channel) []VoiceChannel {
	out := make([]VoiceChannel, 0, len(channels))
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		switch ch.Type {
		case discordgo.ChannelTypeGuildVoice:
			out = append(out, VoiceChannel{ID: ch.ID, Name: ch.Name, Type: "voice", Position: ch.Position})
		case discordgo.ChannelTypeGuildStageVoice:
			out = append(out, VoiceChannel{ID: ch.ID, Name: ch.Name, Type: "stage", Position: ch.Position})
		}
	}
	return out
}

func memberName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.User != nil {
		if m.User.GlobalName != "" {
			return m.User.GlobalName
		}
		return m.User.Username
	}
	return ""
}
