package periodic_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/you/jobq/internal/periodic"
	"github.com/you/jobq/internal/reporter"
)

func newClient(t *testing.T) (*r.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func newJob(t *testing.T, task periodic.Task, opts periodic.Options) *periodic.Job {
	t.Helper()
	if opts.JobID == "" {
		opts.JobID = "cleanup"
	}
	if opts.Schedule == (periodic.Schedule{}) {
		opts.Schedule = periodic.Schedule{Interval: time.Hour}
	}
	j, err := periodic.New(task, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Dispose(context.Background()) })
	return j
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, string) error { return nil }

	_, err := periodic.New(noop, periodic.Options{SingleConsumer: true, Schedule: periodic.Schedule{Interval: time.Second}})
	assert.ErrorIs(t, err, periodic.ErrRedisRequired)

	_, err = periodic.New(noop, periodic.Options{})
	assert.ErrorIs(t, err, periodic.ErrNoSchedule)

	_, err = periodic.New(noop, periodic.Options{Schedule: periodic.Schedule{Cron: "not a cron"}})
	assert.Error(t, err)

	_, err = periodic.New(noop, periodic.Options{Schedule: periodic.Schedule{Cron: "*/5 * * * *"}})
	assert.NoError(t, err)
}

func TestJob_SingleConsumer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rdb, mr := newClient(t)

	var mu sync.Mutex
	var runs []string
	task := func(_ context.Context, executorID string) error {
		mu.Lock()
		runs = append(runs, executorID)
		mu.Unlock()
		return nil
	}
	opts := periodic.Options{SingleConsumer: true, Redis: rdb, PostSuccessTTL: 10 * time.Second}
	a := newJob(t, task, opts)
	b := newJob(t, task, opts)

	a.RunOnce(ctx)
	b.RunOnce(ctx)
	mu.Lock()
	assert.Equal(t, []string{a.ExecutorID()}, runs, "b is skipped while a's lock cools down")
	mu.Unlock()

	assert.Equal(t, 10*time.Second, mr.TTL("jobq:periodic:cleanup:lock"))
	mr.FastForward(11 * time.Second)

	b.RunOnce(ctx)
	mu.Lock()
	assert.Equal(t, []string{a.ExecutorID(), b.ExecutorID()}, runs)
	mu.Unlock()
}

func TestJob_ErrorsAreReportedAndScheduleContinues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rdb, _ := newClient(t)

	var calls atomic.Int32
	var reported atomic.Int32
	j := newJob(t, func(context.Context, string) error {
		if calls.Add(1) == 1 {
			return errors.New("disk full")
		}
		panic("worse")
	}, periodic.Options{
		SingleConsumer: true,
		Redis:          rdb,
		Reporter: reporter.Func(func(context.Context, reporter.ErrorReport) {
			reported.Add(1)
		}),
	})

	j.RunOnce(ctx)
	j.RunOnce(ctx)
	assert.Equal(t, int32(2), calls.Load(), "the same executor may run again during its own cool-down")
	assert.Equal(t, int32(2), reported.Load())
}

func TestJob_SkipsOverlappingRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	release := make(chan struct{})
	var calls atomic.Int32
	j := newJob(t, func(context.Context, string) error {
		calls.Add(1)
		<-release
		return nil
	}, periodic.Options{RunImmediately: true})

	j.Start()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	j.RunOnce(ctx)
	close(release)

	require.NoError(t, j.Dispose(ctx))
	assert.Equal(t, int32(1), calls.Load())
}

func TestJob_RunsOnSchedule(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	j := newJob(t, func(context.Context, string) error {
		calls.Add(1)
		return nil
	}, periodic.Options{Schedule: periodic.Schedule{Interval: time.Second}})

	j.Start()
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestJob_DisposeCancelsRunningTask(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	j := newJob(t, func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, periodic.Options{RunImmediately: true})

	j.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, j.Dispose(ctx))
}

func TestJob_LockErrorSkipsTick(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	require.NoError(t, rdb.Close())

	var runs, reports atomic.Int32
	core, logs := observer.New(zapcore.DebugLevel)
	j := newJob(t, func(context.Context, string) error {
		runs.Add(1)
		return nil
	}, periodic.Options{
		SingleConsumer: true,
		Redis:          rdb,
		Logger:         zap.New(core),
		Reporter:       reporter.Func(func(context.Context, reporter.ErrorReport) { reports.Add(1) }),
	})

	j.RunOnce(context.Background())
	assert.Zero(t, runs.Load())
	assert.Zero(t, reports.Load(), "an unreachable lock store skips the tick without reporting")
	entries := logs.FilterMessage("failed to acquire lock, skipping").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}
