package pricing

import (
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/redlegion/eventpay/pkg/response"
)

// MaterialPrice is one row of the price listing.
type MaterialPrice struct {
	Material string          `json:"material"`
	Price    decimal.Decimal `json:"price"`
}

// Handler serves market prices and trading locations.
type Handler struct {
	svc *Service
}

// NewHandler creates a pricing handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Prices handles GET /prices?materials=A,B&location_id=. Without materials it lists the whole
// unadjusted market table.
func (h *Handler) Prices(c *gin.Context) {
	var locationID *int
	if v := c.Query("location_id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.BadRequest(c, "location_id must be an integer")
			return
		}
		locationID = &n
	}
	var materials []string
	for _, m := range strings.Split(c.Query("materials"), ",") {
		if m = strings.TrimSpace(m); m != "" {
			materials = append(materials, m)
		}
	}
	var (
		table map[string]decimal.Decimal
		err   error
	)
	if len(materials) > 0 {
		table, err = h.svc.Resolve(c.Request.Context(), materials, locationID)
	} else {
		table, err = h.svc.Prices(c.Request.Context())
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, sortedPrices(table))
}

// Refresh handles POST /admin/prices/refresh.
func (h *Handler) Refresh(c *gin.Context) {
	table, err := h.svc.Refresh(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, sortedPrices(table))
}

// Locations handles GET /prices/locations.
func (h *Handler) Locations(c *gin.Context) {
	response.OK(c, Locations())
}

func sortedPrices(table map[string]decimal.Decimal) []MaterialPrice {
	out := make([]MaterialPrice, 0, len(table))
	for m, p := range table {
		out = append(out, MaterialPrice{Material: m, Price: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Material < out[j].Material })
	return out
}
