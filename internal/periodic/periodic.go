// Package periodic runs tasks on an interval or cron schedule, optionally on
// a single instance of a fleet at a time.
package periodic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/you/jobq/internal/lock"
	"github.com/you/jobq/internal/reporter"
	"github.com/you/jobq/internal/tracing"
)

var (
	ErrRedisRequired = errors.New("single consumer mode requires a redis client")
	ErrNoSchedule    = errors.New("either an interval or a cron expression is required")
)

const (
	DefaultLockPrefix     = "jobq:periodic"
	DefaultLockSuffix     = "lock"
	DefaultLockTTL        = time.Minute
	DefaultPostSuccessTTL = 5 * time.Second
)

// Task is one run of a periodic job. executorID identifies this instance.
type Task func(ctx context.Context, executorID string) error

// Schedule sets when the job runs. Interval is rounded down to whole seconds
// with a one second minimum; Cron takes precedence when both are set.
type Schedule struct {
	Interval time.Duration
	Cron     string
}

type Options struct {
	JobID    string
	Schedule Schedule
	// SingleConsumer guards every run with a Redis lock so only one
	// instance runs the job at a time.
	SingleConsumer bool
	Redis          r.UniversalClient
	LockPrefix     string
	LockSuffix     string
	LockTTL        time.Duration
	// PostSuccessTTL is how long the lock lingers after a run so other
	// instances do not run the job again right away.
	PostSuccessTTL time.Duration
	RunImmediately bool

	Logger   *zap.Logger
	Reporter reporter.Reporter
	Tracer   tracing.TransactionManager
}

type Job struct {
	task       Task
	opts       Options
	executorID string
	schedule   cronlib.Schedule
	cron       *cronlib.Cron
	mutex      *lock.Mutex
	logger     *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	stop    sync.Once
	stopped context.Context
}

func New(task Task, opts Options) (*Job, error) {
	if opts.SingleConsumer && opts.Redis == nil {
		return nil, ErrRedisRequired
	}
	sched, err := parseSchedule(opts.Schedule)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Reporter == nil {
		opts.Reporter = reporter.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Nop()
	}
	if opts.LockPrefix == "" {
		opts.LockPrefix = DefaultLockPrefix
	}
	if opts.LockSuffix == "" {
		opts.LockSuffix = DefaultLockSuffix
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.PostSuccessTTL <= 0 {
		opts.PostSuccessTTL = DefaultPostSuccessTTL
	}

	j := &Job{
		task:       task,
		opts:       opts,
		executorID: uuid.NewString(),
		schedule:   sched,
		logger:     opts.Logger.Named("periodic-job").With(zap.String("jobId", opts.JobID)),
	}
	j.ctx, j.cancel = context.WithCancel(context.Background())
	j.cron = cronlib.New(cronlib.WithLogger(cronLogger{j.logger.Sugar()}))
	if opts.SingleConsumer {
		j.mutex = lock.New(opts.Redis, lock.Key(opts.LockPrefix, opts.JobID, opts.LockSuffix), j.executorID, lock.Options{
			TTL:    opts.LockTTL,
			Logger: j.logger,
		})
	}
	return j, nil
}

func parseSchedule(s Schedule) (cronlib.Schedule, error) {
	if s.Cron != "" {
		sched, err := cronlib.ParseStandard(s.Cron)
		return sched, errors.Wrapf(err, "parse cron expression %q", s.Cron)
	}
	if s.Interval <= 0 {
		return nil, ErrNoSchedule
	}
	return cronlib.Every(s.Interval), nil
}

func (j *Job) ExecutorID() string { return j.executorID }

// Start schedules the job. With RunImmediately a first run starts right away.
func (j *Job) Start() {
	j.cron.Schedule(j.schedule, cronlib.FuncJob(func() { j.RunOnce(j.ctx) }))
	j.cron.Start()
	if j.opts.RunImmediately {
		j.wg.Add(1)
		go func() {
			defer j.wg.Done()
			j.RunOnce(j.ctx)
		}()
	}
	j.logger.Info("periodic job started", zap.String("executorId", j.executorID))
}

// RunOnce runs the task now unless a previous run is still going or the lock
// cannot be taken. Task errors are logged and reported; lock errors only
// skip the tick.
func (j *Job) RunOnce(ctx context.Context) {
	if !j.running.CompareAndSwap(false, true) {
		j.logger.Debug("previous run still in progress, skipping")
		return
	}
	j.wg.Add(1)
	defer func() {
		j.running.Store(false)
		j.wg.Done()
	}()

	if j.mutex != nil {
		ok, err := j.mutex.Acquire(ctx)
		if err != nil {
			j.logger.Warn("failed to acquire lock, skipping", zap.Error(err))
			return
		}
		if !ok {
			j.logger.Debug("lock held by another instance, skipping")
			return
		}
	}

	key := j.opts.JobID + ":" + uuid.NewString()
	j.opts.Tracer.Start("periodic_job:"+j.opts.JobID, key)
	err := j.runTask(ctx)
	j.opts.Tracer.Stop(key)
	if err != nil {
		j.fail(ctx, err)
	}

	if j.mutex != nil {
		if err := j.mutex.CoolDown(context.WithoutCancel(ctx), j.opts.PostSuccessTTL); err != nil {
			j.logger.Warn("failed to shorten periodic job lock", zap.Error(err))
		}
	}
}

func (j *Job) runTask(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("periodic job panicked: %v", rec)
		}
	}()
	return j.task(ctx, j.executorID)
}

func (j *Job) fail(ctx context.Context, err error) {
	j.logger.Error("periodic job failed", zap.Error(err), zap.String("executorId", j.executorID))
	j.opts.Reporter.Report(ctx, reporter.ErrorReport{
		Err: err,
		Context: map[string]any{
			"jobId":      j.opts.JobID,
			"executorId": j.executorID,
		},
	})
}

// Dispose cancels the running task's context, stops the schedule and waits
// for the task to return until ctx is done. A held lock is released.
func (j *Job) Dispose(ctx context.Context) error {
	j.stop.Do(func() {
		j.cancel()
		j.stopped = j.cron.Stop()
	})

	done := make(chan struct{})
	go func() {
		<-j.stopped.Done()
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if j.mutex != nil && j.mutex.State() == lock.Held {
		return j.mutex.Release(ctx)
	}
	return nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
