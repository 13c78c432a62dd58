package queuemanager

import (
	"github.com/pkg/errors"
)

var (
	ErrUnknownQueue           = errors.New("queue is not registered")
	ErrQueueNotStarted        = errors.New("queue is not started: call Start first or enable lazy init")
	ErrInvalidDeduplicationID = errors.New("invalid deduplication id")
	ErrMissingCorrelationID   = errors.New("payload is missing metadata.correlationId")
	ErrDuplicateQueueConfig   = errors.New("queue id registered twice")
	ErrEmptyQueueID           = errors.New("queue id is empty")
)

// DeduplicationError is returned when a queue's id builder fails or yields a
// blank id. It matches ErrInvalidDeduplicationID and unwraps to the builder's
// own error, if any.
type DeduplicationError struct {
	QueueID string
	Cause   error
}

func (e *DeduplicationError) Error() string {
	if e.Cause == nil {
		return ErrInvalidDeduplicationID.Error() + " for queue " + e.QueueID
	}
	return ErrInvalidDeduplicationID.Error() + " for queue " + e.QueueID + ": " + e.Cause.Error()
}

func (e *DeduplicationError) Is(target error) bool { return target == ErrInvalidDeduplicationID }

func (e *DeduplicationError) Unwrap() error { return e.Cause }

// ValidationError reports a payload rejected by its queue schema.
type ValidationError struct {
	QueueID string
	Err     error
}

func (e *ValidationError) Error() string {
	return "invalid payload for queue " + e.QueueID + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
