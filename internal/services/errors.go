// Package services defines the business logic for conversations, turns, and
// the pending-log state machine. This file centralizes common service-level
// error values so that they can be consistently returned by service methods
// and checked by callers.
//
// The values map onto the application's error taxonomy: validation errors
// are rejected before any provider call, conflict errors surface duplicate
// or repeated state transitions, and persistence errors cover the one case
// that must reach the user — a failed confirm. Provider failures never show
// up here because they are absorbed by the degraded paths in the intent and
// retrieval packages.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

// Conversation-related errors.
var (
	// ErrConversationNotFound indicates that the requested conversation does
	// not exist or is not accessible to the current user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationArchived is returned when a turn is posted to an
	// archived conversation.
	ErrConversationArchived = errors.New("conversation is archived")
)

// Turn validation errors.
var (
	// ErrEmptyMessage is returned when a turn contains no resolved text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTooLong is returned when a turn exceeds the maximum configured
	// length limit.
	ErrTooLong = errors.New("message too long")
)

// Pending-log state machine errors.
var (
	// ErrPendingNotFound indicates that the requested pending log does not
	// exist or is not accessible to the current user.
	ErrPendingNotFound = errors.New("pending log not found")

	// ErrPendingResolved is returned when confirm or cancel is called on a
	// pending log that has already reached a terminal status.
	ErrPendingResolved = errors.New("pending log already resolved")

	// ErrPendingExists is returned when a second pending log is staged for
	// the same triggering message.
	ErrPendingExists = errors.New("pending log already exists for this message")

	// ErrInvalidFields is returned when the user-edited fields submitted on
	// confirm fail schema validation.
	ErrInvalidFields = errors.New("invalid fields for log type")

	// ErrSinkUnavailable is returned when the domain-sink write fails during
	// confirm. The pending log remains pending so the user can retry
	// without re-describing the event.
	ErrSinkUnavailable = errors.New("could not save the record, nothing was saved")
)
