// Package syncerr defines the error kinds the synchronizer distinguishes.
package syncerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
)

// Kind classifies a failure by how the synchronizer recovers from it.
type Kind string

const (
	Transient     Kind = "TRANSIENT"
	NotFound      Kind = "NOT_FOUND"
	Conflict      Kind = "CONFLICT"
	InvalidState  Kind = "INVALID_STATE"
	SCGNotFound   Kind = "SCG_NOT_FOUND"
	Configuration Kind = "CONFIGURATION_ERROR"
	Cancelled     Kind = "CANCELLED"
	AlreadyMapped Kind = "ALREADY_MAPPED"
	Gone          Kind = "GONE"
)

// Sentinels for errors.Is.
var (
	ErrTransient     = &Error{Kind: Transient}
	ErrNotFound      = &Error{Kind: NotFound}
	ErrConflict      = &Error{Kind: Conflict}
	ErrInvalidState  = &Error{Kind: InvalidState}
	ErrSCGNotFound   = &Error{Kind: SCGNotFound}
	ErrConfiguration = &Error{Kind: Configuration}
	ErrCancelled     = &Error{Kind: Cancelled}
	ErrAlreadyMapped = &Error{Kind: AlreadyMapped}
	ErrGone          = &Error{Kind: Gone}
)

// Error carries a kind, the operation that failed and the cause. Fault is set
// for InvalidState errors reported by the target control plane.
type Error struct {
	Kind  Kind
	Op    string
	Err   error
	Fault *models.Fault
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Fault != nil {
		msg += ": " + e.Fault.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithFault builds an InvalidState error from a target fault payload.
func WithFault(op string, fault *models.Fault) *Error {
	return &Error{Kind: InvalidState, Op: op, Fault: fault}
}

// KindOf returns the kind of the first *Error in the chain. Context
// cancellation maps to Cancelled; anything unclassified is Transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Transient
}

// IsFatal reports whether err must stop the event loop.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == Cancelled || k == Configuration
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
