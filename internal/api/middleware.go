package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/auth"
)

// ctxUserID is the gin context key holding the authenticated user's uuid.
const ctxUserID = "user_id"

// AuthRequired extracts the bearer token from the Authorization header and
// resolves it to a user identity. Requests without a valid token are rejected
// with 401 before any handler runs.
func AuthRequired(resolver auth.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "missing bearer token"},
			})
			return
		}

		userID, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "invalid credentials"},
			})
			return
		}

		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// currentUser returns the authenticated user id set by AuthRequired.
func currentUser(c *gin.Context) uuid.UUID {
	return c.MustGet(ctxUserID).(uuid.UUID)
}
