package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/apperr"
)

// Handler provides the admin-facing audit surface. Route registration is
// expected to happen inside an ADMIN-gated group.
type Handler struct {
	service *Service
}

// NewHandler creates a new audit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.List)
}

// List handles GET /v1/admin/audit
func (h *Handler) List(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, next, err := h.service.List(c.Request.Context(), c.Query("action"), c.Query("cursor"), limit)
	if err != nil {
		c.JSON(apperr.HTTPStatus(err), gin.H{
			"error":   apperr.KindOf(err).String(),
			"message": "Failed to list audit entries",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "nextCursor": next})
}
