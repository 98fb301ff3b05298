// Package apperr defines the error taxonomy shared by all peervault services.
//
// Every error that crosses a service boundary is classified into one Kind so
// that handlers can map it to a status code and callers can decide whether a
// retry makes sense without string-matching messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind int

const (
	// Internal is the fallback for unclassified errors.
	Internal Kind = iota
	// BadRequest: malformed identifier, address, hex reference, or enum value.
	// Caller-fixable, never retried.
	BadRequest
	// NotFound: the escrow or dispute does not exist.
	NotFound
	// Forbidden: access guard or role gate failed.
	Forbidden
	// StateInvalid: the requested transition does not match a legal edge from
	// the current state.
	StateInvalid
	// Transient: concurrent-write contention on the same escrow row. The only
	// kind retried internally by the state machine.
	Transient
	// SideEffect: notification persistence or webhook dispatch failure.
	// Logged, never surfaced to the caller of the triggering operation.
	SideEffect
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case StateInvalid:
		return "state_invalid"
	case Transient:
		return "transient"
	case SideEffect:
		return "side_effect"
	default:
		return "internal"
	}
}

// Error is a classified error. It wraps the underlying cause so sentinel
// errors still match with errors.Is.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted message with the given kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err, or Internal if err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the HTTP layer should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case StateInvalid:
		return http.StatusConflict
	case Transient:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
