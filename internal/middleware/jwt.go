package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-interview/voice-engine/internal/auth"
	"github.com/aura-interview/voice-engine/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
	// ContextUserEmail is the key for user email in gin context.
	ContextUserEmail = "user_email"
)

// JWT returns a middleware that validates the bearer JWT and sets user claims
// in context. Browsers cannot set headers on a WebSocket handshake, so a
// token query parameter is accepted as well.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(c, "invalid authorization header")
				c.Abort()
				return
			}
			token = parts[1]
		}
		if token == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Set(ContextUserEmail, claims.Email)
		c.Next()
	}
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// UserRole returns the authenticated user's role, or "".
func UserRole(c *gin.Context) string {
	return c.GetString(ContextUserRole)
}
