package jobs

import (
	"github.com/pkg/errors"
)

var (
	ErrQueueNotUnique = errors.New("queue id is already used by another processor")
	ErrSpyDisabled    = errors.New("spy is only available in test mode")
)

// UnrecoverableError fails the job on the current attempt regardless of the
// attempts left.
type UnrecoverableError struct {
	Message string
	Cause   error
	Details map[string]any
}

func NewUnrecoverable(message string, cause error) *UnrecoverableError {
	return &UnrecoverableError{Message: message, Cause: cause}
}

func (e *UnrecoverableError) Error() string {
	switch {
	case e.Cause == nil:
		return e.Message
	case e.Message == "":
		return e.Cause.Error()
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *UnrecoverableError) Unwrap() error { return e.Cause }

func (e *UnrecoverableError) Unrecoverable() bool { return true }

// MutedUnrecoverableError is an UnrecoverableError that is not sent to the
// error reporter. Use it for expected business short-circuits.
type MutedUnrecoverableError struct {
	UnrecoverableError
}

func NewMutedUnrecoverable(message string, cause error) *MutedUnrecoverableError {
	return &MutedUnrecoverableError{UnrecoverableError{Message: message, Cause: cause}}
}

func (e *MutedUnrecoverableError) Muted() bool { return true }

// IsMuted reports whether err asks to skip error reporting.
func IsMuted(err error) bool {
	var m interface{ Muted() bool }
	return errors.As(err, &m) && m.Muted()
}
