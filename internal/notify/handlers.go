package notify

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/auth"
)

// Handler provides the recipient-facing notification feed.
type Handler struct {
	store Store
}

// NewHandler creates a new notification handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up authenticated notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/me/notifications", h.List)
	r.POST("/me/notifications/:id/read", h.MarkRead)
	r.POST("/me/notifications/read-all", h.MarkAllRead)
}

// List handles GET /v1/me/notifications
func (h *Handler) List(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	unreadOnly := c.Query("unread") == "true"

	items, err := h.store.ListByRecipient(c.Request.Context(), caller.Address, unreadOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list notifications",
		})
		return
	}
	unread, err := h.store.CountUnread(c.Request.Context(), caller.Address)
	if err != nil {
		unread = 0
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items, "unreadCount": unread})
}

// MarkRead handles POST /v1/me/notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	err := h.store.MarkRead(c.Request.Context(), c.Param("id"), caller.Address)
	if errors.Is(err, ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Notification not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to mark notification read",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

// MarkAllRead handles POST /v1/me/notifications/read-all
func (h *Handler) MarkAllRead(c *gin.Context) {
	caller, _ := auth.CurrentIdentity(c)
	count, err := h.store.MarkAllRead(c.Request.Context(), caller.Address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to mark notifications read",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": count})
}
