package recipe

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed enumeration of failure categories. Every error
// surfaced to a caller carries exactly one kind; callers switch on kinds,
// never on message text.
type ErrorKind string

const (
	KindEgressDenied         ErrorKind = "egress_denied"
	KindTimedOut             ErrorKind = "timed_out"
	KindRateLimited          ErrorKind = "rate_limited"
	KindResponseTooLarge     ErrorKind = "response_too_large"
	KindMalformedResponse    ErrorKind = "malformed_response"
	KindExtractionFailed     ErrorKind = "extraction_failed"
	KindSchemaMismatch       ErrorKind = "schema_mismatch"
	KindNeedsSecondExample   ErrorKind = "needs_second_example"
	KindNeedsManualSelection ErrorKind = "needs_manual_selection"
	KindValidationRejected   ErrorKind = "validation_rejected"
)

// Retryable reports whether the kind may be retried with backoff.
// Egress denials, schema mismatches, and validator rejections indicate
// hostile input or stale artifacts — retrying repeats the same decision.
func (k ErrorKind) Retryable() bool {
	return k == KindTimedOut || k == KindRateLimited
}

// Error is a structured engine error: kind, originating stage, and
// machine-readable reason codes.
type Error struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Reasons []string
	// RetryAfter is a bounded suggested delay for rate_limited errors.
	RetryAfter time.Duration

	wrapped error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("recipe: %s [%s]: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("recipe: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError builds a structured error wrapping cause (which may be nil).
func NewError(kind ErrorKind, stage, message string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, wrapped: cause}
}

// KindOf extracts the ErrorKind from err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrValidation is the sentinel wrapped by all validator rejections.
var ErrValidation = errors.New("recipe: validation rejected")

// ErrNoSuchRecipe is returned when a named recipe does not exist.
var ErrNoSuchRecipe = errors.New("recipe: no such recipe")
