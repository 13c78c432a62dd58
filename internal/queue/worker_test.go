package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
)

type unrecoverable struct{ error }

func (unrecoverable) Unrecoverable() bool { return true }

var fastWorker = queue.WorkerOptions{
	PollInterval:    5 * time.Millisecond,
	LockDuration:    time.Second,
	StalledInterval: time.Second,
}

func startWorker(t *testing.T, q *queue.Queue, fn queue.ProcessFunc) *queue.Worker {
	t.Helper()
	w := queue.NewWorker(q, fn, fastWorker, nil)
	require.NoError(t, w.Run())
	t.Cleanup(func() { _ = w.Close(false) })
	return w
}

type failures struct {
	mu   sync.Mutex
	errs []error
	jobs []*queue.Job
}

func (f *failures) record(job *queue.Job, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	f.jobs = append(f.jobs, job)
}

func (f *failures) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func TestWorker_CompletesJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueue(t, queue.Options{})

	done := make(chan json.RawMessage, 1)
	w := queue.NewWorker(q, func(ctx context.Context, job *queue.Job) (any, error) {
		var p testPayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]string{"echo": p.Message}, nil
	}, fastWorker, nil)
	w.OnCompleted(func(job *queue.Job, result json.RawMessage) { done <- result })
	require.NoError(t, w.Run())
	defer w.Close(false)

	job, err := q.Add(ctx, "test-queue", payload("ping"), domain.JobOptions{})
	require.NoError(t, err)

	select {
	case result := <-done:
		assert.JSONEq(t, `{"echo":"ping"}`, string(result))
	case <-time.After(5 * time.Second):
		t.Fatal("job was not completed")
	}

	loaded, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.AttemptsMade)
	assert.False(t, loaded.FinishedOn.IsZero())
	state, err := q.GetJobState(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, state)
}

func TestWorker_RetriesUntilAttemptsExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueue(t, queue.Options{})

	var calls atomic.Int32
	w := queue.NewWorker(q, func(ctx context.Context, job *queue.Job) (any, error) {
		n := calls.Add(1)
		return nil, errors.Errorf("attempt %d failed", n)
	}, fastWorker, nil)
	f := &failures{}
	w.OnFailed(f.record)
	require.NoError(t, w.Run())
	defer w.Close(false)

	job, err := q.Add(ctx, "test-queue", payload("x"), domain.JobOptions{Attempts: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.count() == 3 }, 5*time.Second, 10*time.Millisecond)

	state, err := q.GetJobState(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, state)
	assert.Equal(t, int32(3), calls.Load())
	assert.EqualError(t, f.errs[2], "attempt 3 failed")
	assert.Equal(t, 3, f.jobs[2].AttemptsMade)

	loaded, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "attempt 3 failed", loaded.FailedReason)
}

func TestWorker_UnrecoverableSkipsRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueue(t, queue.Options{})

	var calls atomic.Int32
	startWorker(t, q, func(ctx context.Context, job *queue.Job) (any, error) {
		calls.Add(1)
		return nil, unrecoverable{errors.New("boom")}
	})

	job, err := q.Add(ctx, "test-queue", payload("x"), domain.JobOptions{Attempts: 5})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := q.GetJobState(ctx, job.ID)
		return err == nil && state == domain.Failed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorker_RedelayDoesNotCountAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueue(t, queue.Options{})

	var calls atomic.Int32
	startWorker(t, q, func(ctx context.Context, job *queue.Job) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, queue.Redelay(time.Now().Add(20 * time.Millisecond))
		}
		return "ok", nil
	})

	job, err := q.Add(ctx, "test-queue", payload("x"), domain.JobOptions{Attempts: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := q.GetJobState(ctx, job.ID)
		return err == nil && state == domain.Completed
	}, 5*time.Second, 10*time.Millisecond)

	loaded, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, loaded.AttemptsMade)
}

func TestWorker_BackoffDelaysRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueue(t, queue.Options{})

	release := make(chan struct{})
	startWorker(t, q, func(ctx context.Context, job *queue.Job) (any, error) {
		select {
		case <-release:
			return nil, nil
		default:
			return nil, errors.New("not yet")
		}
	})

	job, err := q.Add(ctx, "test-queue", payload("x"), domain.JobOptions{
		Attempts: 2,
		Backoff:  &domain.Backoff{Type: domain.BackoffFixed, Delay: time.Hour},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := q.GetJobState(ctx, job.ID)
		return err == nil && state == domain.Delayed
	}, 5*time.Second, 10*time.Millisecond)
	close(release)
}

func TestWorker_RemoveOnComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueue(t, queue.Options{
		DefaultJobOptions: domain.JobOptions{RemoveOnComplete: &domain.Retention{}},
	})

	done := make(chan struct{}, 1)
	w := startWorker(t, q, func(ctx context.Context, job *queue.Job) (any, error) { return nil, nil })
	w.OnCompleted(func(*queue.Job, json.RawMessage) { done <- struct{}{} })

	job, err := q.Add(ctx, "test-queue", payload("x"), domain.JobOptions{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not completed")
	}
	_, err = q.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestWorker_RecoversPanics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueue(t, queue.Options{})

	f := &failures{}
	w := startWorker(t, q, func(ctx context.Context, job *queue.Job) (any, error) {
		panic("kaboom")
	})
	w.OnFailed(f.record)

	_, err := q.Add(ctx, "test-queue", payload("x"), domain.JobOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.errs[0].Error(), "kaboom")
}

func TestWorker_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, queue.Options{})
	w := queue.NewWorker(q, func(context.Context, *queue.Job) (any, error) { return nil, nil }, fastWorker, nil)
	require.NoError(t, w.Run())
	require.NoError(t, w.Run())
	require.NoError(t, w.Close(true))
	require.NoError(t, w.Close(false))
	assert.ErrorIs(t, w.Run(), queue.ErrWorkerClosed)
}
