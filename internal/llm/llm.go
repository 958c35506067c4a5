// Package llm defines the text-generation provider contract used by the
// relay pipeline, together with the retry/backoff policy and the
// transient/permanent error classification shared by provider
// implementations.
//
// The pipeline only ever sees this package's Provider interface; the
// concrete OpenAI-compatible client lives in openai.go. Callers must not
// invoke a Provider while holding an open database transaction; provider
// calls are the only operations in the system allowed to block on network
// I/O for a non-trivial duration.
package llm

import (
	"context"
	"errors"
)

// Request is one bounded text-generation call.
type Request struct {
	// System is the instruction block that frames the completion.
	System string
	// Prompt is the user-role content, already bounded by the caller.
	Prompt string
	// MaxTokens caps the completion length. Zero lets the provider default.
	MaxTokens int
	// Temperature controls sampling randomness.
	Temperature float32
}

// Provider produces text for a bounded request. Implementations classify
// failures: transient ones (timeouts, rate limits, 5xx) are wrapped with
// Transient so the caller's backoff policy retries them; anything else
// fails immediately.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ErrEmptyCompletion is returned when the provider answers with no usable
// choice. It is treated as transient: a retry frequently yields content.
var ErrEmptyCompletion = errors.New("empty completion")

// transientError marks a provider failure as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "transient: " + e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked
// retryable via Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
