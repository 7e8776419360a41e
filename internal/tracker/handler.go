package tracker

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/redlegion/eventpay/pkg/response"
)

// StatusReporter reports tracker connectivity. Both Client and Bridge implement it.
type StatusReporter interface {
	Status(ctx context.Context) (*Status, error)
}

// Handler serves tracker status and the voice channel directory.
type Handler struct {
	reporter  StatusReporter
	directory *Directory
}

// NewHandler creates a tracker handler. reporter may be nil when tracking is off; directory
// may be nil when channel listing is not served.
func NewHandler(reporter StatusReporter, directory *Directory) *Handler {
	return &Handler{reporter: reporter, directory: directory}
}

// Status handles GET /tracker/status (admin).
func (h *Handler) Status(c *gin.Context) {
	if h.reporter == nil {
		response.OK(c, &Status{Error: "presence tracking is disabled"})
		return
	}
	st, err := h.reporter.Status(c.Request.Context())
	if err != nil {
		// an unreachable bot is a normal status answer, not an API failure
		response.OK(c, &Status{Error: err.Error()})
		return
	}
	response.OK(c, st)
}

// Channels handles GET /tracker/channels?guild_id=.
func (h *Handler) Channels(c *gin.Context) {
	if h.directory == nil {
		response.NotFound(c, "channel directory not configured")
		return
	}
	list, err := h.directory.List(c.Request.Context(), c.Query("guild_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// SyncChannels handles POST /tracker/channels/sync?guild_id= (admin).
func (h *Handler) SyncChannels(c *gin.Context) {
	if h.directory == nil {
		response.NotFound(c, "channel directory not configured")
		return
	}
	res, err := h.directory.Sync(c.Request.Context(), c.Query("guild_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}
