// Package errs defines the closed error-kind taxonomy the engine surfaces
// to callers (spec §7). Kinds are values, not identifiers: callers branch on
// Kind, never on message text.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	NotFound             Kind = "not_found"
	DuplicateEdge         Kind = "duplicate_edge"
	SelfLoop              Kind = "self_loop"
	DuplicateRejection    Kind = "duplicate_rejection"
	StorageUnavailable    Kind = "storage_unavailable"
	EmbeddingUnavailable  Kind = "embedding_unavailable"
	EmbeddingMismatch     Kind = "embedding_mismatch"
	ConsistencyDrift      Kind = "consistency_drift"
	CancelledOrTimedOut   Kind = "cancelled_or_timed_out"
	NotAvailable          Kind = "not_available"
)

// Error carries a Kind plus an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.InvalidInput) style checks by comparing Kind
// against a sentinel constructed with that kind and no message.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error; returns "" otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// sentinels usable with errors.Is(err, errs.ErrNotFound) etc.
var (
	ErrNotFound            = New(NotFound, "not found")
	ErrInvalidInput        = New(InvalidInput, "invalid input")
	ErrDuplicateEdge       = New(DuplicateEdge, "duplicate edge")
	ErrSelfLoop            = New(SelfLoop, "self loop")
	ErrDuplicateRejection  = New(DuplicateRejection, "duplicate rejection")
	ErrStorageUnavailable  = New(StorageUnavailable, "storage unavailable")
	ErrEmbeddingUnavailable = New(EmbeddingUnavailable, "embedding unavailable")
	ErrEmbeddingMismatch   = New(EmbeddingMismatch, "embedding dimension mismatch")
	ErrConsistencyDrift    = New(ConsistencyDrift, "consistency drift")
	ErrCancelledOrTimedOut = New(CancelledOrTimedOut, "cancelled or timed out")
	ErrNotAvailable        = New(NotAvailable, "feature not available")
)
