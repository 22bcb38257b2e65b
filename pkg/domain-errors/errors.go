// Package domainerrors provides coded errors for the ledger domain.
//
// Stores return sentinel errors (pkg/platform/sentinel); services translate
// them into coded errors here so transports can map codes to status without
// inspecting error text.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error for propagation policy and HTTP mapping.
type Code string

const (
	// CodeInternal marks unexpected infrastructure or programming errors.
	CodeInternal Code = "internal"
	// CodeInvalidInput marks caller input rejected by validation. Never
	// retried automatically.
	CodeInvalidInput Code = "invalid_input"
	// CodeNotFound marks a session id that does not exist.
	CodeNotFound Code = "not_found"
	// CodeConflict marks a session id that already exists.
	CodeConflict Code = "already_exists"
	// CodeAllowanceExceeded marks a spend that would push past the allowance.
	// A legitimate limit, not a fault; never retried.
	CodeAllowanceExceeded Code = "allowance_exceeded"
	// CodeSessionClosing marks a spend racing a settle in flight.
	CodeSessionClosing Code = "session_closing"
	// CodeSessionClosed marks an operation on a terminal session.
	CodeSessionClosed Code = "session_closed"
	// CodeContention marks bounded optimistic retries exhausted. Retryable by
	// the caller with the same idempotency key.
	CodeContention Code = "contention"
	// CodeUnavailable marks durable storage unavailability. The whole
	// operation is safe to retry with the same idempotency key.
	CodeUnavailable Code = "storage_unavailable"
	// CodeSettlementPending marks a dispatch whose outcome is not yet
	// decided; the session stays in Settling and settle may be re-invoked.
	CodeSettlementPending Code = "settlement_pending"
	// CodeSettlementRejected marks a non-retryable rail rejection.
	CodeSettlementRejected Code = "settlement_rejected"
	// CodeInvariantViolation marks ledger state that should be impossible.
	CodeInvariantViolation Code = "invariant_violation"
)

// Error is a coded domain error. It wraps an underlying cause when created
// with Wrap.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error without a cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err returns
// nil so call sites can wrap unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether err or anything it wraps carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal for uncoded
// errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
