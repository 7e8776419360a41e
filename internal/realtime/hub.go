// Package realtime pushes live metrics and lifecycle changes of events to WebSocket subscribers.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// EventLiveMetrics carries a models.LiveMetrics snapshot.
	EventLiveMetrics = "live_metrics"
	// EventStatusChanged carries the event after a lifecycle transition.
	EventStatusChanged = "event_status"
)

// Hub maintains event_id -> set of connections and broadcasts messages.
// With Redis configured, publishes go through pub/sub so every instance delivers them once.
type Hub struct {
	// eventID -> map[clientID]*Client
	rooms    map[string]map[string]*Client
	subs     map[string]*subscription
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishEvent(eventID string, event string, payload []byte) error
}

// RedisSubscriber subscribes to event channels and invokes handler for incoming messages.
type RedisSubscriber interface {
	SubscribeEvent(eventID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:    make(map[string]map[string]*Client),
		subs:     make(map[string]*subscription),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// subscription is the Redis subscription of one room. cancel is nil while SUBSCRIBE is in flight.
type subscription struct {
	cancel func()
}

// Register adds a client to an event room. The first client of a room starts its Redis
// subscription; the round trip happens outside the hub lock.
func (h *Hub) Register(c *Client) {
	var sub *subscription
	h.mu.Lock()
	if h.rooms[c.EventID] == nil {
		h.rooms[c.EventID] = make(map[string]*Client)
		if h.redisSub != nil {
			sub = &subscription{}
			h.subs[c.EventID] = sub
		}
	}
	h.rooms[c.EventID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined event", zap.String("client_id", c.ID), zap.String("event_id", c.EventID))

	if sub != nil {
		h.subscribe(c.EventID, sub)
	}
}

func (h *Hub) subscribe(eventID string, sub *subscription) {
	cancel, err := h.redisSub.SubscribeEvent(eventID, func(event string, payload []byte) {
		h.Broadcast(eventID, event, json.RawMessage(payload))
	})
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("event_id", eventID), zap.Error(err))
		h.mu.Lock()
		if h.subs[eventID] == sub {
			delete(h.subs, eventID)
		}
		h.mu.Unlock()
		return
	}
	h.mu.Lock()
	current := h.subs[eventID] == sub
	if current {
		sub.cancel = cancel
	}
	h.mu.Unlock()
	if !current {
		// the room emptied while subscribing
		cancel()
	}
}

// Unregister removes a client from an event room. Cancels the Redis subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	var cancel func()
	h.mu.Lock()
	if m, ok := h.rooms[c.EventID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.rooms, c.EventID)
			if sub, ok := h.subs[c.EventID]; ok {
				cancel = sub.cancel
				delete(h.subs, c.EventID)
			}
		}
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.logger.Debug("client left event", zap.String("client_id", c.ID), zap.String("event_id", c.EventID))
}

// Broadcast sends a message to all clients of an event (local only).
func (h *Hub) Broadcast(eventID string, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Warn("marshal broadcast", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[eventID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish delivers a message to subscribers of an event on every instance.
func (h *Hub) Publish(eventID string, event string, payload interface{}) {
	if h.redis == nil {
		h.Broadcast(eventID, event, payload)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.redis.PublishEvent(eventID, event, data); err != nil {
		h.logger.Warn("redis publish failed, delivering locally", zap.String("event_id", eventID), zap.Error(err))
		h.Broadcast(eventID, event, json.RawMessage(data))
	}
}

// PublishMetrics pushes a live metrics snapshot.
func (h *Hub) PublishMetrics(m *models.LiveMetrics) {
	h.Publish(m.EventID, EventLiveMetrics, m)
}

// PublishStatus pushes the new lifecycle state of an event.
func (h *Hub) PublishStatus(ev *models.Event) {
	h.Publish(ev.ID, EventStatusChanged, statusMessage{
		EventID:   ev.ID,
		Status:    ev.Status,
		StartedAt: ev.StartedAt,
		EndedAt:   ev.EndedAt,
	})
}

type statusMessage struct {
	EventID   string             `json:"event_id"`
	Status    models.EventStatus `json:"status"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
}

// Subscribers returns the number of connected clients watching an event.
func (h *Hub) Subscribers(eventID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[eventID])
}
