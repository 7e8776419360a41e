package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redlegion/eventpay/internal/models"
)

func testClient(id, eventID string) *Client {
	return &Client{ID: id, EventID: eventID, send: make(chan WSMessage, 4)}
}

// loopback delivers published messages straight to the subscribed handlers, like Redis would.
type loopback struct {
	mu        sync.Mutex
	handlers  map[string]func(string, []byte)
	cancelled []string
	failPub   bool
}

func (l *loopback) PublishEvent(eventID, event string, payload []byte) error {
	if l.failPub {
		return errors.New("redis down")
	}
	l.mu.Lock()
	h := l.handlers[eventID]
	l.mu.Unlock()
	if h != nil {
		h(event, payload)
	}
	return nil
}

func (l *loopback) SubscribeEvent(eventID string, handler func(string, []byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = map[string]func(string, []byte){}
	}
	l.handlers[eventID] = handler
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, eventID)
		l.cancelled = append(l.cancelled, eventID)
	}, nil
}

func TestBroadcastReachesOnlyTheRoom(t *testing.T) {
	h := NewHub(nil, nil, nil)
	a, b := testClient("a", "web-00000001"), testClient("b", "web-00000002")
	h.Register(a)
	h.Register(b)

	h.PublishMetrics(&models.LiveMetrics{EventID: "web-00000001", CurrentParticipants: 3})

	require.Len(t, a.send, 1)
	assert.Empty(t, b.send)
	msg := <-a.send
	assert.Equal(t, EventLiveMetrics, msg.Event)
	var m models.LiveMetrics
	require.NoError(t, json.Unmarshal(msg.Data, &m))
	assert.Equal(t, 3, m.CurrentParticipants)
}

func TestPublishGoesThroughRedisOnce(t *testing.T) {
	lb := &loopback{}
	h := NewHub(nil, lb, lb)
	c := testClient("a", "web-00000001")
	h.Register(c)

	now := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	h.PublishStatus(&models.Event{ID: "web-00000001", Status: models.EventLive, StartedAt: &now})
	require.Len(t, c.send, 1)
	msg := <-c.send
	assert.Equal(t, EventStatusChanged, msg.Event)
	assert.Contains(t, string(msg.Data), `"status":"live"`)

	h.Unregister(c)
	assert.Equal(t, []string{"web-00000001"}, lb.cancelled)
	assert.Zero(t, h.Subscribers("web-00000001"))
}

func TestPublishFallsBackToLocal(t *testing.T) {
	lb := &loopback{failPub: true}
	h := NewHub(nil, lb, lb)
	c := testClient("a", "web-00000001")
	h.Register(c)
	h.PublishMetrics(&models.LiveMetrics{EventID: "web-00000001"})
	assert.Len(t, c.send, 1)
}

func TestFullBufferDoesNotBlock(t *testing.T) {
	h := NewHub(nil, nil, nil)
	c := testClient("a", "web-00000001")
	h.Register(c)
	for i := 0; i < 10; i++ {
		h.Broadcast("web-00000001", "tick", map[string]int{"i": i})
	}
	assert.Len(t, c.send, cap(c.send))
}

func TestServeWsSendsInitialMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHub(nil, nil, nil)
	validate := func(token string) (string, string, error) {
		if token != "good" {
			return "", "", errors.New("bad token")
		}
		return "u1", "organizer", nil
	}
	metrics := func(_ context.Context, id string) (*models.LiveMetrics, error) {
		return &models.LiveMetrics{EventID: id, Status: models.EventLive, CurrentParticipants: 2}, nil
	}
	r := gin.New()
	r.GET("/ws", ServeWs(h, nil, validate, metrics))
	srv := httptest.NewServer(r)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?event_id=web-00000001&token="

	_, resp, err := websocket.DefaultDialer.Dial(base+"bad", nil)
	require.Error(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"good", nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventLiveMetrics, msg.Event)

	require.NoError(t, conn.WriteJSON(WSMessage{Event: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Event)

	h.PublishStatus(&models.Event{ID: "web-00000001", Status: models.EventClosed})
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventStatusChanged, msg.Event)
}

// gatedSub holds SUBSCRIBE until released, like a slow Redis round trip.
type gatedSub struct {
	entered   chan struct{}
	release   chan struct{}
	mu        sync.Mutex
	cancelled int
}

func (g *gatedSub) SubscribeEvent(string, func(string, []byte)) (func(), error) {
	g.entered <- struct{}{}
	<-g.release
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.cancelled++
	}, nil
}

func TestRegisterSubscribesOutsideHubLock(t *testing.T) {
	g := &gatedSub{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := NewHub(nil, nil, g)
	a := testClient("a", "web-00000001")

	registered := make(chan struct{})
	go func() {
		h.Register(a)
		close(registered)
	}()
	<-g.entered

	// broadcasts are served while SUBSCRIBE is in flight
	h.Broadcast("web-00000001", EventLiveMetrics, map[string]int{"n": 1})
	require.Len(t, a.send, 1)
	assert.Equal(t, 1, h.Subscribers("web-00000001"))

	// the room empties before the subscription is installed
	h.Unregister(a)
	g.release <- struct{}{}
	<-registered
	g.mu.Lock()
	assert.Equal(t, 1, g.cancelled)
	g.mu.Unlock()
}
