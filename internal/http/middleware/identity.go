// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the caller-identity middleware. The service trusts an
// upstream gateway to authenticate callers and forward the participant
// identity in the X-User-ID header; this middleware only validates the
// header's presence and shape and exposes it to handlers and the rate
// limiter.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// userIDKey is the Gin context key under which the caller identity is stored.
	userIDKey = "userID"
	// userIDHeader carries the caller's participant id.
	userIDHeader = "X-User-ID"
)

// RequireUser enforces the X-User-ID contract on a route group.
//
// Responses:
//   - 401 with code "missing_user" when the header is absent or blank.
//   - 400 with code "invalid_user" when the value is not a UUID.
//
// On success the validated id is stored in the Gin context for UserID() and
// the per-user rate-limit keying.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetHeader(userIDHeader)
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "missing_user",
				"message":    "X-User-ID header is required",
			})
			return
		}
		if _, err := uuid.Parse(uid); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "invalid_user",
				"message":    "X-User-ID must be a UUID",
			})
			return
		}
		c.Set(userIDKey, uid)
		c.Next()
	}
}

// UserID returns the validated caller identity set by RequireUser, or "".
func UserID(c *gin.Context) string {
	v, _ := c.Get(userIDKey)
	s, _ := v.(string)
	return s
}
