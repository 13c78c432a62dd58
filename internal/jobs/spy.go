package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
)

// JobSnapshot is the spy's copy of a job at the moment it finished.
type JobSnapshot struct {
	ID           string
	State        domain.State
	Data         json.RawMessage
	AttemptsMade int
	ReturnValue  json.RawMessage
	FailedReason string
}

func (s JobSnapshot) Decode(v any) error { return json.Unmarshal(s.Data, v) }

type spyWaiter struct {
	state domain.State
	match func(JobSnapshot) bool
	ch    chan JobSnapshot
}

// Spy records the terminal outcome of jobs run by a processor in test mode.
type Spy[T any] struct {
	mu      sync.Mutex
	records map[string]JobSnapshot
	waiters []*spyWaiter
}

func newSpy[T any]() *Spy[T] {
	return &Spy[T]{records: make(map[string]JobSnapshot)}
}

// WaitForJobWithID blocks until the job reaches state or ctx is done.
func (s *Spy[T]) WaitForJobWithID(ctx context.Context, id string, state domain.State) (JobSnapshot, error) {
	return s.wait(ctx, state, func(snap JobSnapshot) bool { return snap.ID == id })
}

// WaitForJob blocks until a job whose payload satisfies match reaches state.
func (s *Spy[T]) WaitForJob(ctx context.Context, match func(T) bool, state domain.State) (JobSnapshot, error) {
	return s.wait(ctx, state, func(snap JobSnapshot) bool {
		var payload T
		if err := snap.Decode(&payload); err != nil {
			return false
		}
		return match(payload)
	})
}

func (s *Spy[T]) wait(ctx context.Context, state domain.State, match func(JobSnapshot) bool) (JobSnapshot, error) {
	s.mu.Lock()
	for _, snap := range s.records {
		if snap.State == state && match(snap) {
			s.mu.Unlock()
			return snap, nil
		}
	}
	w := &spyWaiter{state: state, match: match, ch: make(chan JobSnapshot, 1)}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case snap := <-w.ch:
		return snap, nil
	case <-ctx.Done():
		s.remove(w)
		return JobSnapshot{}, ctx.Err()
	}
}

func (s *Spy[T]) remove(w *spyWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.waiters {
		if other == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Clear forgets every recorded job. Pending waiters keep waiting.
func (s *Spy[T]) Clear() {
	s.mu.Lock()
	clear(s.records)
	s.mu.Unlock()
}

func (s *Spy[T]) record(job *queue.Job, state domain.State) {
	snap := JobSnapshot{
		ID:           job.ID,
		State:        state,
		Data:         job.Data,
		AttemptsMade: job.AttemptsMade,
		ReturnValue:  job.ReturnValue,
		FailedReason: job.FailedReason,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[job.ID] = snap
	kept := s.waiters[:0]
	for _, w := range s.waiters {
		if w.state == state && w.match(snap) {
			w.ch <- snap
			continue
		}
		kept = append(kept, w)
	}
	s.waiters = kept
}
