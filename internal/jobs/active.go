package jobs

import (
	"sync"

	"github.com/pkg/errors"
)

// ActiveQueues guards that at most one processor per queue id runs in a
// process.
type ActiveQueues struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// DefaultActiveQueues is shared by every processor that is not given its own
// registry.
var DefaultActiveQueues = NewActiveQueues()

func NewActiveQueues() *ActiveQueues {
	return &ActiveQueues{ids: make(map[string]struct{})}
}

func (a *ActiveQueues) Register(queueID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ids[queueID]; ok {
		return errors.Wrap(ErrQueueNotUnique, queueID)
	}
	a.ids[queueID] = struct{}{}
	return nil
}

func (a *ActiveQueues) Unregister(queueID string) {
	a.mu.Lock()
	delete(a.ids, queueID)
	a.mu.Unlock()
}

func (a *ActiveQueues) Has(queueID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[queueID]
	return ok
}
