package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/jobs"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/reporter"
)

const testQueue = "test-queue"

type payload struct {
	domain.Payload
	Value string `json:"value"`
}

func newPayload(v string) payload {
	return payload{
		Payload: domain.Payload{Metadata: domain.Metadata{CorrelationID: "corr-" + v}},
		Value:   v,
	}
}

var fastWorker = queue.WorkerOptions{
	PollInterval:    5 * time.Millisecond,
	LockDuration:    time.Second,
	StalledInterval: time.Second,
}

func newRedis(t *testing.T) *r.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newLegacy(t *testing.T, h jobs.Handler[payload, string], mutate func(*jobs.ProcessorOptions)) *jobs.Processor[payload, string] {
	t.Helper()
	opts := jobs.ProcessorOptions{
		Options: jobs.Options{
			QueueID:      testQueue,
			ActiveQueues: jobs.NewActiveQueues(),
			Worker:       fastWorker,
			TestMode:     true,
		},
		Redis: newRedis(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := jobs.NewProcessor(h, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Dispose() })
	return p
}

func spyOf[T any](t *testing.T, p interface{ Spy() (*jobs.Spy[T], error) }) *jobs.Spy[T] {
	t.Helper()
	s, err := p.Spy()
	require.NoError(t, err)
	return s
}

// recordingHandler runs process and records hook invocations.
type recordingHandler struct {
	process func(ctx context.Context, job *jobs.Job[payload]) (string, error)

	successErr error
	failedErr  error

	mu        sync.Mutex
	successes []string
	failures  []error
}

func (h *recordingHandler) Process(ctx context.Context, job *jobs.Job[payload], _ *jobs.RequestContext) (string, error) {
	return h.process(ctx, job)
}

func (h *recordingHandler) OnSuccess(_ context.Context, _ *jobs.Job[payload], result string, _ *jobs.RequestContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes = append(h.successes, result)
	return h.successErr
}

func (h *recordingHandler) OnFailed(_ context.Context, _ *jobs.Job[payload], err error, _ *jobs.RequestContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err)
	return h.failedErr
}

func (h *recordingHandler) failed() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.failures...)
}

func (h *recordingHandler) succeeded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.successes...)
}

type reports struct {
	mu   sync.Mutex
	list []reporter.ErrorReport
}

func (rs *reports) Report(_ context.Context, report reporter.ErrorReport) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.list = append(rs.list, report)
}

func (rs *reports) all() []reporter.ErrorReport {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]reporter.ErrorReport(nil), rs.list...)
}
