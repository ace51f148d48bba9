package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

// apiError writes the error taxonomy shape: a stable machine code plus
// a human message.
func apiError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// authMiddleware validates the bearer token and stashes the caller's
// user id in the request context.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			apiError(c, http.StatusUnauthorized, "auth", "authorization header required")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			apiError(c, http.StatusUnauthorized, "auth", "invalid authorization header format")
			return
		}

		id, err := s.verifier.Verify(parts[1])
		if err != nil {
			apiError(c, http.StatusUnauthorized, "auth", "invalid or expired token")
			return
		}

		c.Set(userIDKey, id.UserID)
		c.Next()
	}
}

// rateLimit applies the sliding window for one endpoint, keyed by the
// authenticated user.
func (s *Server) rateLimit(endpoint string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(userIDKey)

		d := s.limiter.Allow(c.Request.Context(), endpoint, userID, limit, window)
		if !d.Allowed {
			c.Header("Retry-After", d.ResetAt.UTC().Format(http.TimeFormat))
			apiError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		c.Next()
	}
}
