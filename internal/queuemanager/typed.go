package queuemanager

import (
	"context"

	"github.com/you/jobq/internal/domain"
)

// Typed binds a queue id to its payload type so callers cannot schedule a
// payload of the wrong shape.
type Typed[T any] struct {
	m       *Manager
	queueID string
}

func NewTyped[T any](m *Manager, queueID string) Typed[T] {
	return Typed[T]{m: m, queueID: queueID}
}

func (t Typed[T]) QueueID() string { return t.queueID }

func (t Typed[T]) Schedule(ctx context.Context, payload T, opts domain.JobOptions) (string, error) {
	return t.m.Schedule(ctx, t.queueID, payload, opts)
}

func (t Typed[T]) ScheduleBulk(ctx context.Context, payloads []T, opts domain.JobOptions) ([]string, error) {
	items := make([]any, len(payloads))
	for i, p := range payloads {
		items[i] = p
	}
	return t.m.ScheduleBulk(ctx, t.queueID, items, opts)
}
