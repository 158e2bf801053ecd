package domain

import (
	"errors"
	"fmt"
)

// ErrKind is the high-level error category. The retry governor classifies
// retryability off the kind, and the (out of scope) API layer maps kinds to
// HTTP statuses: validation=400, conflict=409, not_found=404, the rest=5xx.
type ErrKind string

const (
	KindValidation     ErrKind = "validation"
	KindConflict       ErrKind = "conflict"
	KindNotFound       ErrKind = "not_found"
	KindInfrastructure ErrKind = "infrastructure"
	KindInternal       ErrKind = "internal"
)

// Error is a structured domain error.
// - Kind: category used for retry/HTTP dispatch
// - Code: stable machine code (do not change casually)
// - Message: safe summary (no payload leakage)
// - Meta: optional details (field, reason, constraint)
// - Cause: wrapped internal error for diagnostics
type Error struct {
	Kind    ErrKind
	Code    string
	Message string
	Meta    map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind ErrKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind ErrKind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

func WithMeta(err *Error, meta map[string]string) *Error {
	err.Meta = meta
	return err
}

// KindOf extracts the kind from an error chain. Unknown errors report
// KindInternal so that callers treat them as retryable by default.
func KindOf(err error) ErrKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

func IsCode(err error, code string) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == code
}

// ----------------------
// Validation errors
// ----------------------

func ErrMissingField(field string) *Error {
	return WithMeta(New(KindValidation, "missing_field", "missing required field"), map[string]string{
		"field": field,
	})
}

func ErrInvalidField(field, reason string) *Error {
	return WithMeta(New(KindValidation, "invalid_field", "invalid field"), map[string]string{
		"field":  field,
		"reason": reason,
	})
}

func ErrInvalidPayload(cause error) *Error {
	return Wrap(KindValidation, "invalid_payload", "malformed event payload", cause)
}

func ErrCheckViolation(detail string) *Error {
	return WithMeta(New(KindValidation, "check_violation", "stored value rejected by constraint"), map[string]string{
		"detail": detail,
	})
}

// ----------------------
// Conflict errors
// ----------------------

func ErrProfileExists() *Error {
	return New(KindConflict, "profile_already_exists", "profile already exists for this identity")
}

func ErrEmailInUse() *Error {
	return New(KindConflict, "email_already_in_use", "email already in use")
}

// ----------------------
// Not found
// ----------------------

func ErrProfileNotFound() *Error {
	return New(KindNotFound, "profile_not_found", "profile not found")
}

// ----------------------
// Infrastructure / internal
// ----------------------

func ErrDBUnavailable(cause error) *Error {
	return Wrap(KindInfrastructure, "db_unavailable", "database unavailable", cause)
}

func ErrBrokerUnavailable(cause error) *Error {
	return Wrap(KindInfrastructure, "broker_unavailable", "message broker unavailable", cause)
}

func ErrRedisUnavailable(cause error) *Error {
	return Wrap(KindInfrastructure, "redis_unavailable", "idempotency cache unavailable", cause)
}

func ErrInternal(cause error) *Error {
	return Wrap(KindInternal, "internal_error", "internal error", cause)
}
