package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/auth"
)

// Handler provides HTTP endpoints for the dispute workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated dispute routes under an escrow.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id/dispute", h.GetDispute)
	r.POST("/escrows/:id/dispute", h.OpenDispute)
	r.POST("/escrows/:id/dispute/recommend", h.Recommend)
	r.POST("/escrows/:id/dispute/resolve", h.Resolve)
}

// GetDispute handles GET /v1/escrows/:id/dispute
func (h *Handler) GetDispute(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// OpenDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req struct {
		Reason  string `json:"reason" binding:"required"`
		Summary string `json:"summary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	caller, _ := auth.CurrentIdentity(c)
	d, err := h.service.Open(c.Request.Context(), c.Param("id"), req.Reason, req.Summary, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Recommend handles POST /v1/escrows/:id/dispute/recommend
func (h *Handler) Recommend(c *gin.Context) {
	var req struct {
		Note    string `json:"note"`
		Summary string `json:"summary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	caller, _ := auth.CurrentIdentity(c)
	d, err := h.service.Recommend(c.Request.Context(), c.Param("id"), req.Note, req.Summary, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/escrows/:id/dispute/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req struct {
		Outcome string `json:"outcome" binding:"required"`
		Ref     string `json:"ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required",
		})
		return
	}
	caller, _ := auth.CurrentIdentity(c)
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Outcome, req.Ref, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"error":   apperr.KindOf(err).String(),
		"message": err.Error(),
	})
}
