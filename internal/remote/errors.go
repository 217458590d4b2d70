package remote

import (
	"context"
	"errors"
	"net"
)

// Error taxonomy shared by the coalescer, the offline queue and the reconciler.
//
// Store implementations wrap one of these sentinels so callers can classify
// failures with errors.Is():
//
//	if errors.Is(err, remote.ErrValidation) {
//	    // never retry, revert the optimistic change
//	}
var (
	// ErrTransient is returned for network failures and temporary server
	// unavailability. Always retried, within a bounded budget.
	ErrTransient = errors.New("transient network error")

	// ErrValidation is returned when the remote store rejects a payload as
	// malformed. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrConflict is returned when the remote store refuses a write because it
	// conflicts with its current state. Never retried as-is.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConfiguration is returned for local misconfiguration such as an
	// unregistered batch kind or a malformed key. The operation is dropped.
	ErrConfiguration = errors.New("configuration error")
)

// Class is the retry classification of an error.
type Class int

const (
	// ClassNone is the class of a nil error.
	ClassNone Class = iota
	// ClassTransient errors loop back into the retry path.
	ClassTransient
	// ClassValidation errors are terminal.
	ClassValidation
	// ClassConflict errors are terminal and surfaced as merge events.
	ClassConflict
	// ClassConfiguration errors are logged and dropped.
	ClassConfiguration
)

// String returns a human-readable representation of the class.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassConflict:
		return "conflict"
	case ClassConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Classify maps err onto the taxonomy.
//
// Errors that carry no sentinel are classified by shape: network errors and
// context expiry are transient, anything else is treated as validation so an
// unknown failure cannot spin the retry budget forever.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	switch {
	case errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return ClassConflict
	case errors.Is(err, ErrConfiguration):
		return ClassConfiguration
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassValidation
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// IsTerminal returns true if retrying err can never succeed.
func IsTerminal(err error) bool {
	switch Classify(err) {
	case ClassValidation, ClassConflict, ClassConfiguration:
		return true
	default:
		return false
	}
}
