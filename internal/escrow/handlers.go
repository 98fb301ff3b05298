package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/auth"
)

// Handler provides HTTP endpoints for escrow reads and event ingestion.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/timeline", h.GetTimeline)
	r.GET("/me/escrows", h.ListMine)
}

// RegisterIngestRoutes sets up the indexer-facing ingestion entry point.
// The route group is expected to be role-gated by the caller.
func (h *Handler) RegisterIngestRoutes(r *gin.RouterGroup) {
	r.POST("/ingest/events", h.IngestEvent)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	e, err := h.service.Get(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetTimeline handles GET /v1/escrows/:id/timeline
func (h *Handler) GetTimeline(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	entries, err := h.service.Timeline(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": entries})
}

// ListMine handles GET /v1/me/escrows
func (h *Handler) ListMine(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	escrows, err := h.service.ListByParty(c.Request.Context(), caller.Address, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows})
}

// IngestEvent handles POST /v1/ingest/events
func (h *Handler) IngestEvent(c *gin.Context) {
	var ev ChainEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid event body",
		})
		return
	}
	// Attribute events pushed through this endpoint to the authenticated
	// admin, not the watcher.
	caller, _ := auth.CurrentIdentity(c)
	ctx := WithIngestActor(c.Request.Context(), caller.Address)
	e, err := h.service.Ingest(ctx, ev)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// respondError maps the error taxonomy onto HTTP responses.
func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"error":   apperr.KindOf(err).String(),
		"message": err.Error(),
	})
}
