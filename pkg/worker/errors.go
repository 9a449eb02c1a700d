package worker

import (
	"errors"

	"github.com/3leaps/annopipe/pkg/coldstore"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/jobregistry"
)

var (
	// ErrAlreadyHandled means the message needs no further work: a claim was
	// lost to another worker or the record is past the step this message
	// drives. The message is acknowledged.
	ErrAlreadyHandled = errors.New("already handled")

	// ErrNotReady means a precondition is not met yet. The message is left on
	// the queue and redelivery re-polls it.
	ErrNotReady = errors.New("not ready")
)

// Disposition is what the loop does with a message after handling it.
type Disposition string

const (
	DispositionAck        Disposition = "ack"
	DispositionLeave      Disposition = "leave"
	DispositionDeadLetter Disposition = "dead_letter"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a data fault that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable even when it wraps a permanent cause.
// Used for aggregates where at least one part is worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Classify maps a handler result to a disposition.
func Classify(err error) Disposition {
	if err == nil {
		return DispositionAck
	}
	var transient *transientError
	if errors.As(err, &transient) {
		return DispositionLeave
	}
	if errors.Is(err, ErrAlreadyHandled) {
		return DispositionAck
	}
	if errors.Is(err, ErrNotReady) {
		return DispositionLeave
	}
	if IsPermanent(err) {
		return DispositionDeadLetter
	}
	return DispositionLeave
}

// IsPermanent reports whether err will fail the same way on every retry.
func IsPermanent(err error) bool {
	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return true
	case errors.Is(err, events.ErrMalformed):
		return true
	case errors.Is(err, jobregistry.ErrNotFound), errors.Is(err, jobregistry.ErrInvalidTransition):
		return true
	case errors.Is(err, coldstore.ErrCapacity):
		return true
	}
	return false
}
