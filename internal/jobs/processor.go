package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/queuemanager"
	"github.com/you/jobq/internal/reporter"
	"github.com/you/jobq/internal/tracing"
)

// Job is a queue job with its payload decoded.
type Job[T any] struct {
	*queue.Job
	Payload T
}

// Handler is implemented by every concrete job type.
type Handler[T, R any] interface {
	Process(ctx context.Context, job *Job[T], rc *RequestContext) (R, error)
}

// SuccessHandler is an optional Handler extension run after the job is
// marked completed.
type SuccessHandler[T, R any] interface {
	OnSuccess(ctx context.Context, job *Job[T], result R, rc *RequestContext) error
}

// FailureHandler is an optional Handler extension run once the job has
// failed for good.
type FailureHandler[T any] interface {
	OnFailed(ctx context.Context, job *Job[T], err error, rc *RequestContext) error
}

type HandlerFunc[T, R any] func(ctx context.Context, job *Job[T], rc *RequestContext) (R, error)

func (f HandlerFunc[T, R]) Process(ctx context.Context, job *Job[T], rc *RequestContext) (R, error) {
	return f(ctx, job, rc)
}

type Options struct {
	QueueID string
	// Owner names the processor in logs and traces; defaults to QueueID.
	Owner        string
	Logger       *zap.Logger
	Reporter     reporter.Reporter
	Tracer       tracing.TransactionManager
	ActiveQueues *ActiveQueues
	Barrier      Barrier
	Worker       queue.WorkerOptions
	// TestMode enables the spy and makes Dispose close the worker without
	// waiting for running jobs.
	TestMode bool
}

type resultKey struct{}

// processor is the engine-independent part shared by Processor and
// ManagedProcessor.
type processor[T, R any] struct {
	handler   Handler[T, R]
	onSuccess SuccessHandler[T, R]
	onFailed  FailureHandler[T]

	opts     Options
	manager  *queuemanager.Manager
	schema   queuemanager.Schema
	monitor  *Monitor
	logger   *zap.Logger
	reporter reporter.Reporter
	spy      *Spy[T]

	starts singleflight.Group
	mu     sync.Mutex
	worker *queue.Worker
	purges inflight
}

func newProcessor[T, R any](h Handler[T, R], manager *queuemanager.Manager, schema queuemanager.Schema, index *queue.Index, opts Options) *processor[T, R] {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Reporter == nil {
		opts.Reporter = reporter.Nop()
	}
	if opts.Owner == "" {
		opts.Owner = opts.QueueID
	}
	p := &processor[T, R]{
		handler:  h,
		opts:     opts,
		manager:  manager,
		schema:   schema,
		logger:   opts.Logger.Named("background-job").With(zap.String("queueId", opts.QueueID)),
		reporter: opts.Reporter,
		monitor: NewMonitor(MonitorConfig{
			Owner:        opts.Owner,
			QueueID:      opts.QueueID,
			Logger:       opts.Logger.Named("background-job"),
			Tracer:       opts.Tracer,
			ActiveQueues: opts.ActiveQueues,
			Index:        index,
		}),
	}
	p.onSuccess, _ = h.(SuccessHandler[T, R])
	p.onFailed, _ = h.(FailureHandler[T])
	if opts.TestMode {
		p.spy = newSpy[T]()
	}
	return p
}

func (p *processor[T, R]) QueueID() string { return p.opts.QueueID }

// Start registers the queue id and runs the worker. Repeated and concurrent
// calls start it once; another live processor on the same queue id makes it
// fail with ErrQueueNotUnique.
func (p *processor[T, R]) Start(ctx context.Context) error {
	_, err, _ := p.starts.Do("start", func() (any, error) {
		return nil, p.start(ctx)
	})
	return err
}

func (p *processor[T, R]) start(ctx context.Context) error {
	p.mu.Lock()
	running := p.worker != nil
	p.mu.Unlock()
	if running {
		return nil
	}

	if err := p.monitor.RegisterQueue(ctx); err != nil {
		return err
	}
	w, err := p.newWorker(ctx)
	if err != nil {
		p.monitor.UnregisterQueue()
		return err
	}

	p.mu.Lock()
	p.worker = w
	p.purges.reset()
	p.mu.Unlock()
	p.logger.Info("background job processor started")
	return nil
}

func (p *processor[T, R]) newWorker(ctx context.Context) (*queue.Worker, error) {
	if err := p.manager.Start(ctx, p.opts.QueueID); err != nil {
		return nil, err
	}
	q, err := p.manager.GetQueue(ctx, p.opts.QueueID)
	if err != nil {
		return nil, err
	}
	w := queue.NewWorker(q, p.run, p.opts.Worker, p.logger)
	w.OnCompleted(p.completed)
	w.OnFailed(p.failed)
	if err := w.WaitUntilReady(ctx); err != nil {
		return nil, err
	}
	if err := w.Run(); err != nil {
		return nil, err
	}
	return w, nil
}

// Dispose stops the worker, waits for running purges and releases the queue
// id. In test mode running jobs are abandoned instead of drained.
func (p *processor[T, R]) Dispose() error {
	p.mu.Lock()
	w := p.worker
	p.worker = nil
	p.mu.Unlock()
	if w == nil {
		return nil
	}

	err := w.Close(p.opts.TestMode)
	p.purges.wait()
	p.monitor.UnregisterQueue()
	p.logger.Info("background job processor disposed")
	return err
}

// Spy returns the outcome recorder. It is only available in test mode.
func (p *processor[T, R]) Spy() (*Spy[T], error) {
	if p.spy == nil {
		return nil, ErrSpyDisabled
	}
	return p.spy, nil
}

func (p *processor[T, R]) run(ctx context.Context, job *queue.Job) (any, error) {
	return p.pipeline(ctx, job).engineResult()
}

func (p *processor[T, R]) pipeline(ctx context.Context, job *queue.Job) outcome {
	rc := p.monitor.RequestContext(job)
	p.monitor.JobStart(job, rc)

	typed, err := p.decode(job)
	if err != nil {
		p.monitor.JobAttemptError(job, err, rc)
		return fail(err)
	}

	if p.opts.Barrier != nil {
		res, err := p.opts.Barrier(ctx, job, ExecutionContext{
			Logger:  rc.Logger,
			Manager: p.manager,
			Redis:   job.Queue().Client(),
		})
		if err != nil {
			err = errors.Wrap(err, "barrier")
			p.monitor.JobAttemptError(job, err, rc)
			return fail(err)
		}
		if !res.IsPassing {
			p.monitor.JobDelayed(job, res.DelayAmount, rc)
			return redelay(time.Now().Add(res.DelayAmount))
		}
	}

	result, err := p.handler.Process(ctx, typed, rc)
	if err != nil {
		p.monitor.JobAttemptError(job, err, rc)
		return fail(err)
	}
	if err := job.UpdateProgress(ctx, 100); err != nil {
		rc.Logger.Warn("failed to update job progress", zap.Error(err))
	}
	job.SetLocal(resultKey{}, result)
	p.monitor.JobEnd(job, rc)
	return proceed(result)
}

// decode validates and decodes the payload. A payload the schema rejects
// can never succeed, so it fails the job without retries.
func (p *processor[T, R]) decode(job *queue.Job) (*Job[T], error) {
	if p.schema != nil {
		if err := p.schema.Validate(job.Data); err != nil {
			verr := &queuemanager.ValidationError{QueueID: p.opts.QueueID, Err: err}
			return nil, NewUnrecoverable("", verr)
		}
	}
	typed := &Job[T]{Job: job}
	if err := job.Decode(&typed.Payload); err != nil {
		return nil, NewUnrecoverable("", &queuemanager.ValidationError{QueueID: p.opts.QueueID, Err: err})
	}
	return typed, nil
}

func (p *processor[T, R]) completed(job *queue.Job, _ json.RawMessage) {
	ctx := context.Background()
	rc := p.monitor.RequestContext(job)

	if p.onSuccess != nil {
		var result R
		if v, ok := job.Local(resultKey{}); ok {
			result, _ = v.(R)
		}
		typed := &Job[T]{Job: job}
		if err := job.Decode(&typed.Payload); err != nil {
			p.reportHookError(ctx, job, rc, "onSuccess", err)
		} else if err := containHook(func() error { return p.onSuccess.OnSuccess(ctx, typed, result, rc) }); err != nil {
			p.reportHookError(ctx, job, rc, "onSuccess", err)
		}
	}
	if p.spy != nil {
		p.spy.record(job, domain.Completed)
	}
}

func (p *processor[T, R]) failed(job *queue.Job, err error) {
	terminal := queue.IsUnrecoverable(err) || queue.IsStalled(err) || job.AttemptsMade >= job.Attempts()
	if !terminal {
		return
	}

	ctx := context.Background()
	rc := p.monitor.RequestContext(job)
	if queue.IsStalled(err) {
		p.monitor.JobAttemptError(job, err, rc)
	}
	if !IsMuted(err) {
		p.reporter.Report(ctx, reporter.ErrorReport{Err: err, Context: p.reportContext(job, rc)})
	}

	if p.onFailed != nil {
		typed := &Job[T]{Job: job}
		_ = job.Decode(&typed.Payload)
		if herr := containHook(func() error { return p.onFailed.OnFailed(ctx, typed, err, rc) }); herr != nil {
			p.reportHookError(ctx, job, rc, "onFailed", herr)
		}
	}
	if p.spy != nil {
		p.spy.record(job, domain.Failed)
	}
}

func (p *processor[T, R]) reportContext(job *queue.Job, rc *RequestContext) map[string]any {
	return map[string]any{
		"queueId":       p.opts.QueueID,
		"jobId":         job.ID,
		"correlationId": rc.CorrelationID,
		"attemptsMade":  job.AttemptsMade,
	}
}

func (p *processor[T, R]) reportHookError(ctx context.Context, job *queue.Job, rc *RequestContext, hook string, err error) {
	rc.Logger.Error("job hook failed", zap.String("hook", hook), zap.Error(err))
	report := p.reportContext(job, rc)
	report["hook"] = hook
	p.reporter.Report(ctx, reporter.ErrorReport{Err: err, Context: report})
}

func containHook(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("hook panicked: %v", rec)
		}
	}()
	return fn()
}

// PurgeJobData shrinks the stored payload down to its correlation id and
// drops the job's logs. A job the engine already removed counts as purged.
func (p *processor[T, R]) PurgeJobData(ctx context.Context, job *queue.Job) error {
	if p.purges.add() {
		defer p.purges.done()
	}

	var meta domain.Payload
	_ = json.Unmarshal(job.Data, &meta)

	var errs error
	if err := job.UpdateData(ctx, domain.Payload{Metadata: meta.Metadata}); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		errs = multierr.Append(errs, errors.Wrap(err, "purge job data"))
	}
	if err := job.ClearLogs(ctx, 0); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		errs = multierr.Append(errs, errors.Wrap(err, "purge job logs"))
	}
	return errs
}

// inflight tracks running purges so Dispose can wait for them.
type inflight struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func (f *inflight) add() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.wg.Add(1)
	return true
}

func (f *inflight) done() { f.wg.Done() }

func (f *inflight) wait() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *inflight) reset() {
	f.mu.Lock()
	f.closed = false
	f.mu.Unlock()
}
