package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/apperr"
	"github.com/peervault/peervault/internal/auth"
)

// Handler provides HTTP endpoints for the coordination ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new coordination ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated coordination routes under an escrow.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id/messages", h.ListMessages)
	r.POST("/escrows/:id/messages", h.PostMessage)
	r.GET("/escrows/:id/payment-instruction", h.GetPaymentInstruction)
	r.PUT("/escrows/:id/payment-instruction", h.SetPaymentInstruction)
	r.GET("/escrows/:id/fiat-status", h.ListFiatStatuses)
	r.POST("/escrows/:id/fiat-status", h.AppendFiatStatus)
	r.GET("/escrows/:id/evidence", h.ListEvidence)
	r.POST("/escrows/:id/evidence/presign", h.PresignEvidence)
	r.POST("/escrows/:id/evidence", h.CommitEvidence)
}

// ListMessages handles GET /v1/escrows/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}
	msgs, err := h.service.ListMessages(c.Request.Context(), c.Param("id"), limit, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage handles POST /v1/escrows/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req struct {
		Text          string `json:"text"`
		AttachmentURI string `json:"attachmentUri"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid message body")
		return
	}
	caller, _ := auth.CurrentIdentity(c)
	m, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), req.Text, req.AttachmentURI, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// GetPaymentInstruction handles GET /v1/escrows/:id/payment-instruction
func (h *Handler) GetPaymentInstruction(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	p, err := h.service.GetPaymentInstruction(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paymentInstruction": p})
}

// SetPaymentInstruction handles PUT /v1/escrows/:id/payment-instruction
func (h *Handler) SetPaymentInstruction(c *gin.Context) {
	var req struct {
		Method  string `json:"method" binding:"required"`
		Details string `json:"details" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "method and details are required")
		return
	}
	caller, _ := auth.CurrentIdentity(c)
	p, err := h.service.SetPaymentInstruction(c.Request.Context(), c.Param("id"), req.Method, req.Details, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paymentInstruction": p})
}

// ListFiatStatuses handles GET /v1/escrows/:id/fiat-status
func (h *Handler) ListFiatStatuses(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	entries, err := h.service.ListFiatStatuses(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fiatStatuses": entries})
}

// AppendFiatStatus handles POST /v1/escrows/:id/fiat-status
func (h *Handler) AppendFiatStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
		Note   string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}
	caller, _ := auth.CurrentIdentity(c)
	f, err := h.service.AppendFiatStatus(c.Request.Context(), c.Param("id"), req.Status, req.Note, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"fiatStatus": f})
}

// ListEvidence handles GET /v1/escrows/:id/evidence
func (h *Handler) ListEvidence(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	items, err := h.service.ListEvidence(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": items})
}

// PresignEvidence handles POST /v1/escrows/:id/evidence/presign
func (h *Handler) PresignEvidence(c *gin.Context) {
	var req struct {
		Filename string `json:"filename" binding:"required"`
		MimeType string `json:"mimeType"`
		Size     int64  `json:"size" binding:"required"`
		SHA256   string `json:"sha256" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "filename, size, and sha256 are required")
		return
	}
	caller, _ := auth.CurrentIdentity(c)
	grant, err := h.service.PresignEvidence(c.Request.Context(), c.Param("id"),
		req.Filename, req.MimeType, req.Size, req.SHA256, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": grant})
}

// CommitEvidence handles POST /v1/escrows/:id/evidence
func (h *Handler) CommitEvidence(c *gin.Context) {
	var req struct {
		URI         string `json:"uri" binding:"required"`
		SHA256      string `json:"sha256" binding:"required"`
		MimeType    string `json:"mimeType"`
		Size        int64  `json:"size" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "uri, size, and sha256 are required")
		return
	}
	caller, _ := auth.CurrentIdentity(c)
	ev, err := h.service.CommitEvidence(c.Request.Context(), c.Param("id"),
		req.URI, req.SHA256, req.MimeType, req.Size, req.Description, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": ev})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"error":   apperr.KindOf(err).String(),
		"message": err.Error(),
	})
}
