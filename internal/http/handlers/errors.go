// Package handlers defines HTTP-layer error codes used across all API
// endpoints.
//
// These symbolic constants are mapped to HTTP responses via the `fail()`
// helper and give clients a stable, machine-readable error taxonomy that
// supplements human-readable messages.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes (bad_request, unauthorized, not_found, …) mirror common
//     HTTP status semantics.
//   - Domain-specific codes cover business failures that status alone cannot
//     convey.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodePostFailed       = "post_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeProcessFailed    = "process_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
