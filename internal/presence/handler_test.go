package presence

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redlegion/eventpay/internal/models"
)

func newPresenceRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(svc)
	r.POST("/tracker/presence", h.Report)
	r.GET("/events/:id/metrics", h.Metrics)
	r.GET("/events/:id/participants", h.Participants)
	r.GET("/events/:id/history", h.History)
	return r
}

func serve(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, &buf))
	return w
}

func TestHandlerReportAndRead(t *testing.T) {
	store := newFakeStore(liveEvent())
	r := newPresenceRouter(newTestService(store, 30))

	w := serve(r, http.MethodPost, "/tracker/presence", report(userA, chanA, 0, models.PresenceJoined))
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = serve(r, http.MethodPost, "/tracker/presence", report(userA, chanA, 0, models.PresenceJoined))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"accepted":false`)

	w = serve(r, http.MethodGet, "/events/web-abc123/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Data models.LiveMetrics `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, 1, env.Data.CurrentParticipants)

	w = serve(r, http.MethodGet, "/events/web-abc123/participants", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), userA)

	w = serve(r, http.MethodGet, "/events/web-abc123/history?window_hours=1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerReportErrors(t *testing.T) {
	ev := liveEvent()
	ev.Status = models.EventClosed
	r := newPresenceRouter(newTestService(newFakeStore(ev), 30))

	w := serve(r, http.MethodPost, "/tracker/presence", report(userA, chanA, 0, models.PresenceJoined))
	assert.Equal(t, http.StatusConflict, w.Code)

	bad := report(userA, chanA, 0, models.PresenceJoined)
	bad.EventID = "nope"
	w = serve(r, http.MethodPost, "/tracker/presence", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, http.MethodGet, "/events/web-abc123/history?window_hours=500", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = serve(r, http.MethodGet, "/events/web-abc123/history?window_hours=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = serve(r, http.MethodGet, "/events/web-ffffff/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
