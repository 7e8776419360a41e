package presence

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/pkg/response"
)

const defaultHistoryHours = 24

// Handler handles presence ingest and participation read endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a presence handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Report handles POST /tracker/presence. A duplicate report answers 200 with accepted=false.
func (h *Handler) Report(c *gin.Context) {
	var pe models.PresenceEvent
	if err := c.ShouldBindJSON(&pe); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !models.ValidEventID(pe.EventID) {
		response.BadRequest(c, "invalid event id")
		return
	}
	accepted, err := h.svc.Ingest(c.Request.Context(), pe)
	if err != nil {
		response.Error(c, err)
		return
	}
	status := http.StatusOK
	if accepted {
		status = http.StatusAccepted
	}
	c.JSON(status, response.Body{Success: true, Data: gin.H{"accepted": accepted}})
}

// Metrics handles GET /events/:id/metrics.
func (h *Handler) Metrics(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	m, err := h.svc.LiveMetrics(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, m)
}

// Participants handles GET /events/:id/participants.
func (h *Handler) Participants(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	list, err := h.svc.ParticipantList(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if list == nil {
		list = []models.ParticipantSession{}
	}
	response.OK(c, list)
}

// History handles GET /events/:id/history?window_hours=.
func (h *Handler) History(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	hours := defaultHistoryHours
	if v := c.Query("window_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.BadRequest(c, "window_hours must be an integer")
			return
		}
		hours = n
	}
	samples, err := h.svc.History(c.Request.Context(), id, hours)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, samples)
}

func eventID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !models.ValidEventID(id) {
		response.BadRequest(c, "invalid event id")
		return "", false
	}
	return id, true
}
