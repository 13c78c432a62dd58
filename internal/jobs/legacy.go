package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/queuemanager"
)

type ProcessorOptions struct {
	Options
	Redis             r.UniversalClient
	Prefix            string
	Schema            queuemanager.Schema
	DefaultJobOptions domain.JobOptions

	DeduplicationIDBuilder queuemanager.DeduplicationIDBuilder
	DeduplicationTTL       time.Duration

	// Index records the queue id for dashboards each time the processor
	// starts.
	Index *queue.Index
}

// Processor owns its queue: it both schedules and runs jobs of one queue id.
type Processor[T, R any] struct {
	*processor[T, R]
	manager *queuemanager.Manager
	jobs    queuemanager.Typed[T]
}

func NewProcessor[T, R any](h Handler[T, R], opts ProcessorOptions) (*Processor[T, R], error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	reg, err := queuemanager.NewRegistry("", queuemanager.QueueConfig{
		QueueID:                opts.QueueID,
		Schema:                 opts.Schema,
		DefaultJobOptions:      opts.DefaultJobOptions,
		DeduplicationIDBuilder: opts.DeduplicationIDBuilder,
		DeduplicationTTL:       opts.DeduplicationTTL,
	})
	if err != nil {
		return nil, err
	}
	manager := queuemanager.New(opts.Redis, reg, queuemanager.Options{
		Prefix: opts.Prefix,
		Logger: opts.Logger,
	})
	return &Processor[T, R]{
		processor: newProcessor(h, manager, opts.Schema, opts.Index, opts.Options),
		manager:   manager,
		jobs:      queuemanager.NewTyped[T](manager, opts.QueueID),
	}, nil
}

func (p *Processor[T, R]) Dispose() error {
	err := p.processor.Dispose()
	p.manager.Dispose()
	return err
}

func (p *Processor[T, R]) Schedule(ctx context.Context, payload T, opts domain.JobOptions) (string, error) {
	return p.jobs.Schedule(ctx, payload, opts)
}

func (p *Processor[T, R]) ScheduleBulk(ctx context.Context, payloads []T, opts domain.JobOptions) ([]string, error) {
	return p.jobs.ScheduleBulk(ctx, payloads, opts)
}

func (p *Processor[T, R]) GetJobCount(ctx context.Context) (int64, error) {
	return p.manager.GetJobCount(ctx, p.opts.QueueID)
}

func (p *Processor[T, R]) GetJobsInQueue(ctx context.Context, states []domain.State, start, end int64, asc bool) (queuemanager.JobsPage, error) {
	return p.manager.GetJobsInQueue(ctx, p.opts.QueueID, states, start, end, asc)
}
