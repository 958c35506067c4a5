// Bot trigger HTTP handler.
//
// This file exposes the relay pipeline trigger:
//   - POST /bot/process?thread_id=&limit=&dry_run=
//
// The caller asserts the bot identity via the X-User-ID header (validated
// upstream by middleware.RequireUser). The handler is transport-thin: it
// parses and validates query parameters, delegates to the RelayService, and
// renders the run envelope.
//
// Envelope semantics: per-message failures are reported inside items[] with
// a skipped_reason and never flip `ok`. `ok=false` is reserved for
// infrastructure-level failures (store unreachable, run aborted); the HTTP
// status stays 200 so clients always get the partial stats.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/arvind24rao/loopworking/internal/services"
	"github.com/arvind24rao/loopworking/internal/sysutil"
	"github.com/arvind24rao/loopworking/internal/utils"
)

// RelayService defines the pipeline trigger operation consumed by HTTP
// handlers. Implementations must honor the provided context.
type RelayService interface {
	// Process runs one relay batch and reports per-message outcomes.
	Process(ctx context.Context, req services.ProcessRequest) (*services.ProcessResult, error)
}

// ProcessQueueResponse is the JSON envelope for one pipeline run.
type ProcessQueueResponse struct {
	// OK is false only when the run hit an infrastructure-level failure.
	OK bool `json:"ok"`
	// Reason explains an ok=false outcome.
	Reason string                 `json:"reason,omitempty"`
	Stats  services.ProcessStats  `json:"stats"`
	Items  []services.ProcessItem `json:"items"`
}

// ProcessQueue triggers one relay batch.
//
// Query parameters:
//   - thread_id: optional UUID narrowing the scan to one thread
//   - limit:     optional batch cap (defaults and caps applied by the service)
//   - dry_run:   defaults to preview when absent; pass an explicit falsy
//     value ("0", "false", "no", "off") to publish
func (h *Handlers) ProcessQueue(c *gin.Context) {
	ctx := c.Request.Context()

	botID := callerID(c)
	if len(h.botAllowed) > 0 {
		if _, okBot := h.botAllowed[botID]; !okBot {
			fail(c, http.StatusForbidden, ErrCodeForbidden, "caller is not a configured bot identity")
			return
		}
	}

	threadID := c.Query("thread_id")
	if threadID != "" {
		if _, err := uuid.Parse(threadID); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "thread_id must be a UUID")
			return
		}
	}

	// Preview is the safe default: publishing is irreversible, so it takes
	// an explicit dry_run=false.
	dryRun := true
	if v := c.Query("dry_run"); v != "" {
		dryRun = sysutil.IsTruthy(v)
	}

	req := services.ProcessRequest{
		BotProfileID: botID,
		ThreadID:     threadID,
		Limit:        utils.AtoiDefault(c.Query("limit"), 0),
		DryRun:       dryRun,
	}

	res, err := h.relaySvc.Process(ctx, req)
	if err != nil {
		resp := ProcessQueueResponse{OK: false, Reason: err.Error(), Items: []services.ProcessItem{}}
		if res != nil {
			resp.Stats = res.Stats
			resp.Items = res.Items
		}
		ok(c, http.StatusOK, resp)
		return
	}

	ok(c, http.StatusOK, ProcessQueueResponse{
		OK:    true,
		Stats: res.Stats,
		Items: res.Items,
	})
}
