package events

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/redlegion/eventpay/internal/middleware"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/pkg/response"
)

// CreateRequest is the body for POST /events.
type CreateRequest struct {
	Name               string           `json:"event_name" binding:"required"`
	Type               models.EventType `json:"event_type" binding:"required"`
	OrganizerID        string           `json:"organizer_id"` // defaults to the caller
	OrganizerName      string           `json:"organizer_name"`
	GuildID            string           `json:"guild_id"`
	LocationNotes      string           `json:"location_notes"`
	SessionNotes       string           `json:"session_notes"`
	TrackedChannels    []models.Channel `json:"tracked_channels" binding:"required"`
	PrimaryChannelID   string           `json:"primary_channel_id"`
	ScheduledStartTime *time.Time       `json:"scheduled_start_time"`
	AutoStartEnabled   *bool            `json:"auto_start_enabled"`
}

// ChannelsRequest is the body for PATCH /events/:id/channels.
type ChannelsRequest struct {
	TrackedChannels  []models.Channel `json:"tracked_channels" binding:"required"`
	PrimaryChannelID string           `json:"primary_channel_id"`
}

// Handler handles event HTTP endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates an event handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Create handles POST /events (organizer, admin).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	in := CreateInput{
		Name:               req.Name,
		Type:               req.Type,
		OrganizerID:        req.OrganizerID,
		OrganizerName:      req.OrganizerName,
		GuildID:            req.GuildID,
		LocationNotes:      req.LocationNotes,
		SessionNotes:       req.SessionNotes,
		TrackedChannels:    req.TrackedChannels,
		PrimaryChannelID:   req.PrimaryChannelID,
		ScheduledStartTime: req.ScheduledStartTime,
		AutoStartEnabled:   req.AutoStartEnabled,
	}
	if in.OrganizerID == "" {
		in.OrganizerID = middleware.Actor(c)
	}
	if in.OrganizerName == "" {
		in.OrganizerName = c.GetString(middleware.ContextUserName)
	}
	ev, err := h.svc.Create(c.Request.Context(), in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, ev)
}

// List handles GET /events?status=&limit=.
func (h *Handler) List(c *gin.Context) {
	var f models.EventFilter
	if s := c.Query("status"); s != "" {
		st := models.EventStatus(s)
		switch st {
		case models.EventPlanned, models.EventScheduled, models.EventLive, models.EventClosed:
		default:
			response.BadRequest(c, "invalid status")
			return
		}
		f.Status = &st
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		f.Limit = n
	}
	items, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, nonNil(items))
}

// ListScheduled handles GET /events/scheduled.
func (h *Handler) ListScheduled(c *gin.Context) {
	items, err := h.svc.ListScheduled(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, nonNil(items))
}

// Get handles GET /events/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	ev, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ev)
}

// Start handles POST /events/:id/start.
func (h *Handler) Start(c *gin.Context) {
	h.transition(c, h.svc.Start)
}

// Close handles POST /events/:id/close.
func (h *Handler) Close(c *gin.Context) {
	h.transition(c, h.svc.Close)
}

// UpdateChannels handles PATCH /events/:id/channels.
func (h *Handler) UpdateChannels(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var req ChannelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ev, err := h.svc.UpdateChannels(c.Request.Context(), id, req.TrackedChannels, req.PrimaryChannelID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ev)
}

// Delete handles DELETE /events/:id (admin).
func (h *Handler) Delete(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) transition(c *gin.Context, op func(ctx context.Context, id string) (*models.Event, error)) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	ev, err := op(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ev)
}

// eventID reads and checks the :id path parameter, writing a 400 when malformed.
func eventID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !models.ValidEventID(id) {
		response.BadRequest(c, "invalid event id")
		return "", false
	}
	return id, true
}

func nonNil(items []models.EventListItem) []models.EventListItem {
	if items == nil {
		return []models.EventListItem{}
	}
	return items
}
