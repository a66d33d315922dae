// Package perr classifies failures into the five error kinds the pool's
// error-handling policy dispatches on: Protocol, Validation, Upstream,
// Resource, and Internal.
package perr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Protocol Kind = iota
	Validation
	Upstream
	Resource
	Internal
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Validation:
		return "validation"
	case Upstream:
		return "upstream"
	case Resource:
		return "resource"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind, an optional Stratum error
// code, and an optional sub-kind label used for validation outcomes
// (Stale, Duplicate, LowDifficulty, ...).
type Error struct {
	Kind    Kind
	Code    int // Stratum JSON-RPC error code, 0 if not applicable
	SubKind string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func New(kind Kind, code int, subKind, message string) *Error {
	return &Error{Kind: kind, Code: code, SubKind: subKind, Message: message}
}

func Wrap(kind Kind, code int, subKind string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, SubKind: subKind, Message: err.Error(), Wrapped: err}
}

func Protocolf(code int, format string, args ...any) *Error {
	return New(Protocol, code, "", fmt.Sprintf(format, args...))
}

func Validationf(code int, subKind, format string, args ...any) *Error {
	return New(Validation, code, subKind, fmt.Sprintf(format, args...))
}

func Upstreamf(format string, args ...any) *Error {
	return New(Upstream, 0, "", fmt.Sprintf(format, args...))
}

func Resourcef(format string, args ...any) *Error {
	return New(Resource, 0, "", fmt.Sprintf(format, args...))
}

func Internalf(format string, args ...any) *Error {
	return New(Internal, 0, "", fmt.Sprintf(format, args...))
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}
