// Package apperr defines the error taxonomy shared by the ledger, the job
// orchestrator, the inference gateway and the billing reconciler.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuth                Kind = "auth"
	KindNotFound            Kind = "not_found"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindConfiguration       Kind = "configuration"
	KindExternalTransient   Kind = "external_transient"
	KindExternalPermanent   Kind = "external_permanent"
	KindConflict            Kind = "conflict"
)

// Sentinels for errors.Is checks. Every *Error matches the sentinel of its kind.
var (
	ErrValidation          = errors.New("validation error")
	ErrAuth                = errors.New("authentication error")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrConfiguration       = errors.New("configuration error")
	ErrExternalProvider    = errors.New("external provider error")
	ErrConflict            = errors.New("conflict")
)

// Error carries a kind, a caller-facing message and an optional cause.
type Error struct {
	Kind        Kind
	Message     string
	ShouldRetry bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrInsufficientCredits) and friends match by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrInsufficientCredits:
		return e.Kind == KindInsufficientCredits
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrExternalProvider:
		return e.Kind == KindExternalTransient || e.Kind == KindExternalPermanent
	case ErrConflict:
		return e.Kind == KindConflict
	}
	return false
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Auth(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func InsufficientCredits(have, need int64) *Error {
	return &Error{
		Kind:    KindInsufficientCredits,
		Message: fmt.Sprintf("balance %d is below required %d", have, need),
	}
}

func Configuration(msg string) *Error {
	return &Error{Kind: KindConfiguration, Message: msg}
}

// Transient marks a provider failure that may succeed if tried again later.
func Transient(msg string, cause error) *Error {
	return &Error{Kind: KindExternalTransient, Message: msg, ShouldRetry: true, Err: cause}
}

// Permanent marks a provider failure that will not change on retry.
func Permanent(msg string, cause error) *Error {
	return &Error{Kind: KindExternalPermanent, Message: msg, Err: cause}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ShouldRetry reports whether err carries a retry hint.
func ShouldRetry(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.ShouldRetry
	}
	return false
}

// Message returns the caller-facing message of err, or fallback for errors
// outside the taxonomy.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return fallback
}
