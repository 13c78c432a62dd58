package queue

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobNotActive  = errors.New("job is not active")
	ErrQueueClosed   = errors.New("queue is closed")
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrInvalidRange  = errors.New("invalid job range")
	ErrInvalidStates = errors.New("at least one valid job state is required")
)

// ErrJobStalled is the failure recorded for a job whose lock expired more
// often than the worker's MaxStalledCount allows.
var ErrJobStalled = errors.New("job stalled more than allowable limit")

// RedelayError asks the worker to park the job in the delayed set until the
// given time without counting an attempt.
type RedelayError struct {
	Until time.Time
}

func (e *RedelayError) Error() string {
	return "job redelayed until " + e.Until.UTC().Format(time.RFC3339Nano)
}

func Redelay(until time.Time) error { return &RedelayError{Until: until} }

// Unrecoverable is implemented by errors that must not be retried.
type Unrecoverable interface {
	Unrecoverable() bool
}

func IsUnrecoverable(err error) bool {
	var u Unrecoverable
	return errors.As(err, &u) && u.Unrecoverable()
}

func IsStalled(err error) bool { return errors.Is(err, ErrJobStalled) }
