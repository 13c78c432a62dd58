package jobs

import (
	"github.com/pkg/errors"

	"github.com/you/jobq/internal/queuemanager"
)

// ManagedProcessor runs jobs of a queue owned by a queuemanager.Manager.
// Scheduling goes through the manager.
type ManagedProcessor[T, R any] struct {
	*processor[T, R]
}

func NewManagedProcessor[T, R any](h Handler[T, R], manager *queuemanager.Manager, opts Options) (*ManagedProcessor[T, R], error) {
	cfg, ok := manager.Registry().Get(opts.QueueID)
	if !ok {
		return nil, errors.Wrap(queuemanager.ErrUnknownQueue, opts.QueueID)
	}
	return &ManagedProcessor[T, R]{processor: newProcessor(h, manager, cfg.Schema, nil, opts)}, nil
}
