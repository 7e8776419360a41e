package payroll

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/middleware"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/pkg/response"
	"github.com/redlegion/eventpay/pkg/storage"
)

// ArchiveLinker hands out download links for archived payroll exports.
type ArchiveLinker interface {
	DownloadURL(ctx context.Context, key string) (string, error)
}

// Handler handles payroll HTTP endpoints.
type Handler struct {
	svc     *Service
	archive ArchiveLinker
}

// NewHandler creates a payroll handler. archive may be nil when archiving is disabled.
func NewHandler(svc *Service, archive ArchiveLinker) *Handler {
	return &Handler{svc: svc, archive: archive}
}

// Calculate handles POST /events/:id/payroll/calculate.
func (h *Handler) Calculate(c *gin.Context) {
	h.compute(c, h.svc.Calculate)
}

// Finalize handles POST /events/:id/payroll/finalize.
func (h *Handler) Finalize(c *gin.Context) {
	h.compute(c, h.svc.Finalize)
}

func (h *Handler) compute(c *gin.Context, op func(ctx context.Context, eventID string, in Inputs, actor string) (*models.Payroll, error)) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	var in Inputs
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := op(c.Request.Context(), id, in, middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, p)
}

// Summary handles GET /events/:id/payroll.
func (h *Handler) Summary(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	sum, err := h.svc.Summary(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, sum)
}

// Export handles GET /events/:id/payroll/export as a JSON attachment.
func (h *Handler) Export(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	doc, err := h.svc.Export(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="payroll-`+id+`.json"`)
	c.Data(http.StatusOK, "application/json", raw)
}

// Archive handles GET /events/:id/payroll/archive, returning a pre-signed link to the archived export.
func (h *Handler) Archive(c *gin.Context) {
	id, ok := eventID(c)
	if !ok {
		return
	}
	if h.archive == nil {
		response.ServiceUnavailable(c, "payroll archive is disabled")
		return
	}
	sum, err := h.svc.Summary(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if sum.Status != models.PayrollClosed {
		response.Error(c, apperr.InvalidState("download archive", string(sum.Status)))
		return
	}
	url, err := h.archive.DownloadURL(c.Request.Context(), storage.PayrollKey(id, sum.ID))
	if errors.Is(err, storage.ErrObjectNotFound) {
		response.NotFound(c, "archive not ready")
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"url": url})
}

func eventID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !models.ValidEventID(id) {
		response.BadRequest(c, "invalid event id")
		return "", false
	}
	return id, true
}
