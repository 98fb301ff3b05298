package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peervault/peervault/internal/identity"
)

// ContextKeyIdentity is the gin context key holding the resolved Identity.
const ContextKeyIdentity = "authIdentity"

// Middleware resolves the bearer token, if present, and stores the Identity
// in the gin context. Requests without a token pass through unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw != "" {
			if id, err := m.ResolveIdentity(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyIdentity, id)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not present a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated requests whose identity holds none of the
// given roles.
func RequireRole(roles ...identity.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := CurrentIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !id.HasAny(roles...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Insufficient role for this operation.",
			})
			return
		}
		c.Next()
	}
}

// CurrentIdentity returns the request's resolved identity, if authenticated.
func CurrentIdentity(c *gin.Context) (identity.Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return identity.Identity{}, false
	}
	id, ok := v.(identity.Identity)
	return id, ok
}

// LoginHandler handles POST /v1/auth/login: validates the provider token and
// runs the role bootstrap for its subject.
func LoginHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		id, err := m.Login(c.Request.Context(), raw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or expired token.",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"identity": id})
	}
}
