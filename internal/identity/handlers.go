package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/apperr"
)

// Handler provides the role administration surface. Routes are expected to be
// registered inside an authenticated group; the service re-checks the actor's
// role on every mutation.
type Handler struct {
	service *Service
}

// NewHandler creates a new identity handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up role administration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/roles/arbitrator", h.GrantArbitrator)
	r.DELETE("/roles", h.RevokeRole)
}

// GrantArbitrator handles POST /v1/admin/roles/arbitrator
func (h *Handler) GrantArbitrator(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address is required",
		})
		return
	}
	actor := callerIdentity(c)
	grant, err := h.service.GrantArbitrator(c.Request.Context(), req.Address, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"grant": grant})
}

// RevokeRole handles DELETE /v1/admin/roles
func (h *Handler) RevokeRole(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
		Role    string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address and role are required",
		})
		return
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	actor := callerIdentity(c)
	if err := h.service.RevokeRole(c.Request.Context(), req.Address, role, actor); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// callerIdentity reads the identity the auth middleware stored. Duplicated
// key to avoid an import cycle with the auth package.
func callerIdentity(c *gin.Context) Identity {
	v, ok := c.Get("authIdentity")
	if !ok {
		return Identity{}
	}
	id, _ := v.(Identity)
	return id
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"error":   apperr.KindOf(err).String(),
		"message": err.Error(),
	})
}
