package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/jobq/internal/domain"
)

// ProcessFunc handles one job attempt. Returning a *RedelayError parks the job
// in the delayed set without counting the attempt.
type ProcessFunc func(ctx context.Context, job *Job) (any, error)

type WorkerOptions struct {
	Concurrency     int
	LockDuration    time.Duration
	StalledInterval time.Duration
	MaxStalledCount int
	PollInterval    time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
	if o.MaxStalledCount < 0 {
		o.MaxStalledCount = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	return o
}

type (
	CompletedHandler func(job *Job, result json.RawMessage)
	FailedHandler    func(job *Job, err error)
)

// Worker claims jobs from one queue and runs them on up to Concurrency
// goroutines. Failed attempts are retried according to the job's attempts
// and backoff options; jobs whose lock lapses are recovered by the stalled
// checker.
type Worker struct {
	q       *Queue
	process ProcessFunc
	opts    WorkerOptions
	logger  *zap.Logger

	mu          sync.RWMutex
	onCompleted []CompletedHandler
	onFailed    []FailedHandler

	runCtx    context.Context
	cancelRun context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   atomic.Bool
	closing   atomic.Bool
	forced    atomic.Bool
}

func NewWorker(q *Queue, process ProcessFunc, opts WorkerOptions, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		q:         q,
		process:   process,
		opts:      opts.withDefaults(),
		logger:    logger.With(zap.String("queue", q.Name())),
		runCtx:    ctx,
		cancelRun: cancel,
		stopCh:    make(chan struct{}),
	}
}

func (w *Worker) OnCompleted(h CompletedHandler) {
	w.mu.Lock()
	w.onCompleted = append(w.onCompleted, h)
	w.mu.Unlock()
}

func (w *Worker) OnFailed(h FailedHandler) {
	w.mu.Lock()
	w.onFailed = append(w.onFailed, h)
	w.mu.Unlock()
}

func (w *Worker) WaitUntilReady(ctx context.Context) error {
	return w.q.WaitUntilReady(ctx)
}

// Run starts the poll loops and the stalled checker. It returns immediately.
func (w *Worker) Run() error {
	if w.closing.Load() {
		return ErrWorkerClosed
	}
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}
	w.logger.Debug("worker starting", zap.Int("concurrency", w.opts.Concurrency))
	for range w.opts.Concurrency {
		w.wg.Add(1)
		go w.pollLoop()
	}
	w.wg.Add(1)
	go w.stalledLoop()
	return nil
}

// Close stops claiming new jobs. With force set, running jobs have their
// context cancelled and are left active for the stalled checker; otherwise
// Close waits for them to finish.
func (w *Worker) Close(force bool) error {
	if !w.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(w.stopCh)
	if force {
		w.forced.Store(true)
		w.cancelRun()
		return nil
	}
	w.wg.Wait()
	w.cancelRun()
	return nil
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		job, next, err := w.q.claim(w.runCtx, w.opts.LockDuration)
		if err != nil {
			if w.closing.Load() {
				return
			}
			w.logger.Error("failed to claim job", zap.Error(err))
			w.sleep(w.opts.PollInterval)
			continue
		}
		if job == nil {
			wait := w.opts.PollInterval
			if !next.IsZero() {
				if d := time.Until(next); d < wait {
					wait = max(d, time.Millisecond)
				}
			}
			w.sleep(wait)
			continue
		}
		w.handle(job)
	}
}

func (w *Worker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.stopCh:
	}
}

func (w *Worker) handle(job *Job) {
	ctx, cancel := context.WithCancel(w.runCtx)
	defer cancel()

	stopLock := w.keepLock(ctx, job.ID)
	result, err := w.invoke(ctx, job)
	stopLock()

	if w.forced.Load() && ctx.Err() != nil {
		return
	}

	fctx := context.WithoutCancel(ctx)
	if err == nil {
		w.complete(fctx, job, result)
		return
	}
	var redelay *RedelayError
	if errors.As(err, &redelay) {
		if _, rerr := w.q.requeue(fctx, job, redelay.Until, false, ""); rerr != nil {
			w.logger.Error("failed to delay job", zap.String("jobId", job.ID), zap.Error(rerr))
		}
		return
	}
	w.fail(fctx, job, err)
}

func (w *Worker) invoke(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("job %s panicked: %v", job.ID, rec)
		}
	}()
	return w.process(ctx, job)
}

func (w *Worker) keepLock(ctx context.Context, id string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(w.opts.LockDuration / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := w.q.extendLock(ctx, id, w.opts.LockDuration); err != nil {
					w.logger.Warn("failed to extend job lock", zap.String("jobId", id), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (w *Worker) complete(ctx context.Context, job *Job, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		w.fail(ctx, job, errors.Wrap(err, "encode job result"))
		return
	}
	if _, err := w.q.finish(ctx, job, domain.Completed, "returnvalue", string(raw), job.Opts.RemoveOnComplete); err != nil {
		w.logger.Warn("failed to complete job", zap.String("jobId", job.ID), zap.Error(err))
		return
	}
	job.ReturnValue = raw

	w.mu.RLock()
	handlers := w.onCompleted
	w.mu.RUnlock()
	for _, h := range handlers {
		h(job, raw)
	}
}

func (w *Worker) fail(ctx context.Context, job *Job, cause error) {
	var err error
	if IsUnrecoverable(cause) || job.AttemptsMade+1 >= job.Attempts() {
		_, err = w.q.finish(ctx, job, domain.Failed, "failedReason", cause.Error(), job.Opts.RemoveOnFail)
	} else {
		var until time.Time
		if d := backoffDelay(job.Opts.Backoff, job.AttemptsMade+1); d > 0 {
			until = w.q.now().Add(d)
		}
		_, err = w.q.requeue(ctx, job, until, true, cause.Error())
	}
	if err != nil {
		w.logger.Warn("failed to record job failure", zap.String("jobId", job.ID), zap.Error(err))
		return
	}
	job.FailedReason = cause.Error()
	w.emitFailed(job, cause)
}

func (w *Worker) emitFailed(job *Job, err error) {
	w.mu.RLock()
	handlers := w.onFailed
	w.mu.RUnlock()
	for _, h := range handlers {
		h(job, err)
	}
}

func (w *Worker) stalledLoop() {
	defer w.wg.Done()
	t := time.NewTicker(w.opts.StalledInterval)
	defer t.Stop()
	for {
		w.checkStalled()
		select {
		case <-w.stopCh:
			return
		case <-t.C:
		}
	}
}

func (w *Worker) checkStalled() {
	jobs, err := w.q.moveStalledToFailed(w.runCtx, w.opts.MaxStalledCount)
	if err != nil {
		if !w.closing.Load() {
			w.logger.Error("failed to check stalled jobs", zap.Error(err))
		}
		return
	}
	for _, job := range jobs {
		w.emitFailed(job, ErrJobStalled)
	}
}
