package screening

import (
	"errors"
	"fmt"

	"github.com/screening/screening/internal/domain/pathway"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrVitalsRequired    = errors.New("vitals must be recorded first")
	ErrAlreadySubmitted  = errors.New("pathway payload already submitted")
	ErrPathwayMismatch   = errors.New("payload pathway does not match session")

	ErrNotFound        = errors.New("screening session not found")
	ErrVersionConflict = errors.New("screening session was modified concurrently")
)

// TransitionError reports an out-of-order state change.
type TransitionError struct {
	From  State
	Event Event
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s on %s session: %v", e.Event, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func transitionErr(from State, ev Event, err error) error {
	return &TransitionError{From: from, Event: ev, Err: err}
}

// ErrorKind classifies errors for transport mapping.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTransition ErrorKind = "transition"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindInternal   ErrorKind = "internal"
)

// Kind returns the kind of err. Nil errors are internal.
func Kind(err error) ErrorKind {
	var te *TransitionError
	switch {
	case errors.Is(err, pathway.ErrInvalidPayload), errors.Is(err, pathway.ErrUnknownPathway):
		return KindValidation
	case errors.As(err, &te):
		return KindTransition
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrVersionConflict):
		return KindConflict
	default:
		return KindInternal
	}
}
