// Message HTTP handlers.
//
// This file exposes REST endpoints for loop messages:
//   - POST /messages   (post an inbound message into a thread's bot inbox)
//   - GET  /messages   (merged viewer stream: own posts + relays addressed
//     to the viewer, with ETag support)
//
// Handlers are transport-thin: they validate and normalize inputs (line
// endings, length caps), delegate to the application services, and translate
// results into HTTP responses including conditional ones.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/arvind24rao/loopworking/internal/domain"
	"github.com/arvind24rao/loopworking/internal/http/middleware"
	"github.com/arvind24rao/loopworking/internal/services"
	"github.com/arvind24rao/loopworking/internal/utils"
)

//
// Service contracts (context-aware)
//

// MessageService defines the message lifecycle operations consumed by HTTP
// handlers. Implementations should be safe for concurrent use and must honor
// the provided context for cancellation and timeouts.
type MessageService interface {
	// Post validates and persists one inbound message written by viewerID.
	Post(ctx context.Context, threadID, viewerID, content string) (*domain.Message, error)
	// ViewerStream returns the merged chronological stream for a viewer.
	ViewerStream(ctx context.Context, threadID, viewerID string, limit int) ([]domain.Message, error)
	// StreamStats returns row count and latest timestamp of a viewer stream.
	StreamStats(ctx context.Context, threadID, viewerID string) (int64, *time.Time, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for messages and the bot trigger.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	relaySvc RelayService
	msgSvc   MessageService

	// botAllowed restricts the bot trigger to configured identities; empty
	// means any valid caller may trigger.
	botAllowed map[string]struct{}
}

// New constructs a Handlers instance bound to the given services. botIDs is
// the optional allowlist of bot profile ids for the trigger endpoint.
func New(relaySvc RelayService, msgSvc MessageService, botIDs []string) *Handlers {
	allowed := make(map[string]struct{}, len(botIDs))
	for _, id := range botIDs {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}
	return &Handlers{relaySvc: relaySvc, msgSvc: msgSvc, botAllowed: allowed}
}

// callerID extracts the validated caller identity set by the identity
// middleware, falling back to the raw X-User-ID header (tests use it).
func callerID(c *gin.Context) string {
	if uid := middleware.UserID(c); uid != "" {
		return uid
	}
	if c != nil && c.Request != nil {
		return strings.TrimSpace(c.GetHeader("X-User-ID"))
	}
	return ""
}

//
// DTOs
//

// PostMessageRequest is the JSON payload for posting an inbound message.
type PostMessageRequest struct {
	// ThreadID is the target thread (UUID).
	ThreadID string `json:"thread_id" binding:"required,uuid"`
	// UserID is the author's participant id (UUID).
	UserID string `json:"user_id" binding:"required,uuid"`
	// Content is the message body. It must be non-empty after normalization.
	Content string `json:"content" binding:"required,min=1"`
}

// PostMessageResponse is the JSON envelope for a newly stored message.
type PostMessageResponse struct {
	Message *domain.Message `json:"message"`
}

// ListMessagesResponse contains a viewer's merged message stream.
type ListMessagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes posted text for consistent downstream behavior:
// CRLF/CR to LF, runs of 3+ LFs collapsed to two, surrounding whitespace
// trimmed.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// clampStreamLimit parses the limit query parameter with a default and cap.
func clampStreamLimit(c *gin.Context) int {
	const (
		defaultLimit = 100
		maxLimit     = 500
	)
	limit := utils.AtoiDefault(c.Query("limit"), defaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

//
// Handlers
//

// PostMessage stores one human-authored message into a thread's bot inbox.
//
// Responses:
//   - 201 with the stored message
//   - 400 on malformed payload, empty or oversized content
//   - 403 when the author is not a member of the thread's loop
//   - 404 when the thread does not exist
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "thread_id, user_id and content are required")
		return
	}

	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	m, err := h.msgSvc.Post(ctx, req.ThreadID, req.UserID, content)
	if err != nil {
		switch err {
		case services.ErrThreadNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "thread not found")
		case services.ErrNotMember:
			fail(c, http.StatusForbidden, ErrCodeForbidden, "sender is not a member of this loop")
		case services.ErrEmptyContent:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		case services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content too long")
		default:
			fail(c, http.StatusInternalServerError, ErrCodePostFailed, err.Error())
		}
		return
	}

	ok(c, http.StatusCreated, PostMessageResponse{Message: m})
}

// ListMessages returns the merged chronological stream for one viewer in one
// thread: their own posts plus the bot relays addressed to them.
//
// Query parameters:
//   - thread_id: required UUID
//   - user_id:   required UUID (the viewer)
//   - limit:     optional cap on returned rows
//
// Supports conditional responses: the handler sets a weak ETag derived from
// the stream's row count and latest timestamp and answers 304 on a matching
// If-None-Match.
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()

	threadID := c.Query("thread_id")
	if _, err := uuid.Parse(threadID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "thread_id must be a UUID")
		return
	}
	viewerID := c.Query("user_id")
	if _, err := uuid.Parse(viewerID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id must be a UUID")
		return
	}

	// ETag pre-check (best effort).
	if count, maxTS, err := h.msgSvc.StreamStats(ctx, threadID, viewerID); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.Unix()
		}
		etag := fmt.Sprintf(`W/"stream:%s:%s:%d:%d"`, threadID, viewerID, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, err := h.msgSvc.ViewerStream(ctx, threadID, viewerID, clampStreamLimit(c))
	if err != nil {
		switch err {
		case services.ErrThreadNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "thread not found")
		case services.ErrNotMember:
			fail(c, http.StatusForbidden, ErrCodeForbidden, "viewer is not a member of this loop")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, ListMessagesResponse{Messages: items})
}
