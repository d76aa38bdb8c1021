package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every stage of the pipeline. Check with errors.Is.
var (
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrBusSaturated       = errors.New("event bus saturated")
	ErrBusClosed          = errors.New("event bus closed")
	ErrBackendUnavailable = errors.New("scoring backend unavailable")
	ErrBackendTimeout     = errors.New("scoring backend timeout")
	ErrStoreIO            = errors.New("incident store i/o error")
	ErrDuplicateIncident  = errors.New("incident already persisted")
	ErrIncidentNotFound   = errors.New("incident not found")
	ErrInvalidTransition  = errors.New("invalid candidate state transition")
	ErrInvalidIncident    = errors.New("invalid incident")
)

// Error carries the operation and detail behind a sentinel error
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel kind and the underlying cause
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Malformed creates an ErrMalformedPayload for a field
func Malformed(field, format string, args ...interface{}) error {
	return &Error{
		Kind:    ErrMalformedPayload,
		Op:      "normalize",
		Message: fmt.Sprintf("field '%s': %s", field, fmt.Sprintf(format, args...)),
	}
}

// StoreIO wraps a storage failure
func StoreIO(op string, err error) error {
	return &Error{Kind: ErrStoreIO, Op: op, Err: err}
}

// BackendUnavailable wraps a scoring backend failure
func BackendUnavailable(backend string, err error) error {
	return &Error{Kind: ErrBackendUnavailable, Op: backend, Err: err}
}

// BackendTimeout wraps a scoring call that ran past its deadline
func BackendTimeout(backend string, err error) error {
	return &Error{Kind: ErrBackendTimeout, Op: backend, Err: err}
}

// IsTransient reports whether a scoring error is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrBackendTimeout)
}
