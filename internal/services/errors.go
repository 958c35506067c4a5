// Package services defines the business logic of the relay pipeline and the
// message facade. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the
// handler layer.
package services

import "errors"

// Membership-related errors.
var (
	// ErrLoopNotFound indicates that a membership handle does not resolve to
	// any loop.
	ErrLoopNotFound = errors.New("loop not found")

	// ErrBotNotMember is returned when the asserted bot identity is not a
	// member of the loop it would have to author messages in.
	ErrBotNotMember = errors.New("bot not a member of loop")

	// ErrNotMember is returned when a sender posts into a thread whose loop
	// they do not belong to.
	ErrNotMember = errors.New("sender is not a member of this loop")
)

// Pipeline errors.
var (
	// ErrAlreadyProcessed is returned by the publisher when another worker
	// retired the source message first; the losing transaction rolls back
	// so recipients never receive duplicate relays.
	ErrAlreadyProcessed = errors.New("message already processed")
)

// Message-facade errors.
var (
	// ErrThreadNotFound indicates that the requested thread does not exist.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrEmptyContent is returned when a posted message has no content after
	// normalization.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when a posted message exceeds the maximum
	// configured length limit.
	ErrTooLong = errors.New("content too long")
)
