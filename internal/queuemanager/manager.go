package queuemanager

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
)

// DefaultPageEnd is the inclusive end index used by dashboards when the
// caller does not ask for a specific window.
const DefaultPageEnd = 20

type Options struct {
	Prefix            string
	DefaultJobOptions domain.JobOptions
	// LazyInit starts a queue on first use instead of failing with
	// ErrQueueNotStarted.
	LazyInit bool
	// Index, when set, records started queue ids for dashboard discovery.
	Index  *queue.Index
	Logger *zap.Logger
}

// Manager owns the queue handles of every registered queue and is the only
// way payloads get scheduled.
type Manager struct {
	rdb      r.UniversalClient
	registry *Registry
	opts     Options
	logger   *zap.Logger

	mu     sync.RWMutex
	queues map[string]*queue.Queue
	starts singleflight.Group
}

func New(rdb r.UniversalClient, registry *Registry, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rdb:      rdb,
		registry: registry,
		opts:     opts,
		logger:   logger.Named("queue-manager"),
		queues:   make(map[string]*queue.Queue),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) QueueIDs() []string { return m.registry.IDs() }

func (m *Manager) DashboardQueueName(queueID string) string {
	return m.registry.DashboardQueueName(queueID)
}

// Start creates handles for the given queues, or for every registered queue
// when none are given. Already started queues are skipped and concurrent
// calls for the same set share one start.
func (m *Manager) Start(ctx context.Context, queueIDs ...string) error {
	if len(queueIDs) == 0 {
		queueIDs = m.registry.IDs()
	}
	pending := make([]string, 0, len(queueIDs))
	for _, id := range queueIDs {
		if _, ok := m.registry.Get(id); !ok {
			return errors.Wrap(ErrUnknownQueue, id)
		}
		if m.started(id) == nil {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	slices.Sort(pending)
	pending = slices.Compact(pending)

	_, err, _ := m.starts.Do(strings.Join(pending, ","), func() (any, error) {
		return nil, m.start(ctx, pending)
	})
	return err
}

func (m *Manager) start(ctx context.Context, ids []string) error {
	created := make([]*queue.Queue, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		cfg, _ := m.registry.Get(id)
		q := queue.New(m.rdb, id, queue.Options{
			Prefix:            m.opts.Prefix,
			DefaultJobOptions: cfg.DefaultJobOptions.Merge(m.opts.DefaultJobOptions),
		})
		created[i] = q
		g.Go(func() error { return q.WaitUntilReady(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	for i, id := range ids {
		if _, ok := m.queues[id]; !ok {
			m.queues[id] = created[i]
		}
	}
	m.mu.Unlock()

	if m.opts.Index != nil {
		if err := m.opts.Index.Upsert(ctx, ids...); err != nil {
			return err
		}
	}
	m.logger.Info("queues started", zap.Strings("queues", ids))
	return nil
}

func (m *Manager) started(queueID string) *queue.Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[queueID]
}

// GetQueue returns the handle of a started queue, starting it first when
// lazy init is enabled.
func (m *Manager) GetQueue(ctx context.Context, queueID string) (*queue.Queue, error) {
	q, _, err := m.queueFor(ctx, queueID)
	return q, err
}

func (m *Manager) queueFor(ctx context.Context, queueID string) (*queue.Queue, QueueConfig, error) {
	cfg, ok := m.registry.Get(queueID)
	if !ok {
		return nil, cfg, errors.Wrap(ErrUnknownQueue, queueID)
	}
	if q := m.started(queueID); q != nil {
		return q, cfg, nil
	}
	if !m.opts.LazyInit {
		return nil, cfg, errors.Wrap(ErrQueueNotStarted, queueID)
	}
	if err := m.Start(ctx, queueID); err != nil {
		return nil, cfg, err
	}
	return m.started(queueID), cfg, nil
}

// Schedule validates payload and enqueues it, returning the job id. When the
// queue derives deduplication ids, a payload mapping to a pending id resolves
// to the existing job.
func (m *Manager) Schedule(ctx context.Context, queueID string, payload any, opts domain.JobOptions) (string, error) {
	ids, err := m.schedule(ctx, queueID, []any{payload}, opts)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// ScheduleBulk enqueues all payloads atomically and returns their ids in
// input order.
func (m *Manager) ScheduleBulk(ctx context.Context, queueID string, payloads []any, opts domain.JobOptions) ([]string, error) {
	if _, ok := m.registry.Get(queueID); !ok {
		return nil, errors.Wrap(ErrUnknownQueue, queueID)
	}
	if len(payloads) == 0 {
		return []string{}, nil
	}
	return m.schedule(ctx, queueID, payloads, opts)
}

func (m *Manager) schedule(ctx context.Context, queueID string, payloads []any, opts domain.JobOptions) ([]string, error) {
	q, cfg, err := m.queueFor(ctx, queueID)
	if err != nil {
		return nil, err
	}

	bulk := make([]queue.BulkJob, len(payloads))
	for i, p := range payloads {
		data, err := encodePayload(queueID, cfg.Schema, p)
		if err != nil {
			return nil, err
		}
		jobOpts, err := withDeduplication(cfg, p, opts)
		if err != nil {
			return nil, err
		}
		bulk[i] = queue.BulkJob{Name: queueID, Data: data, Opts: jobOpts}
	}

	jobs, err := q.AddBulk(ctx, bulk)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids, nil
}

func withDeduplication(cfg QueueConfig, payload any, opts domain.JobOptions) (domain.JobOptions, error) {
	if cfg.DeduplicationIDBuilder == nil || opts.Deduplication != nil {
		return opts, nil
	}
	id, err := buildDeduplicationID(cfg, payload)
	if err != nil {
		return opts, err
	}
	opts.Deduplication = &domain.Deduplication{ID: id, TTL: cfg.DeduplicationTTL}
	return opts, nil
}

func buildDeduplicationID(cfg QueueConfig, payload any) (id string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &DeduplicationError{QueueID: cfg.QueueID, Cause: errors.Errorf("id builder panicked: %v", rec)}
		}
	}()
	id, err = cfg.DeduplicationIDBuilder(payload)
	if err != nil {
		return "", &DeduplicationError{QueueID: cfg.QueueID, Cause: err}
	}
	if id = strings.TrimSpace(id); id == "" {
		return "", &DeduplicationError{QueueID: cfg.QueueID}
	}
	return id, nil
}

// GetJobCount counts every job that has not finished yet.
func (m *Manager) GetJobCount(ctx context.Context, queueID string) (int64, error) {
	q, _, err := m.queueFor(ctx, queueID)
	if err != nil {
		return 0, err
	}
	return q.GetJobCountByTypes(ctx, domain.PendingStates...)
}

type JobsPage struct {
	Jobs    []*queue.Job
	HasMore bool
}

// GetJobsInQueue returns the inclusive [start, end] window of jobs in the
// given states. One extra job is read to tell whether more follow.
func (m *Manager) GetJobsInQueue(ctx context.Context, queueID string, states []domain.State, start, end int64, asc bool) (JobsPage, error) {
	if len(states) == 0 {
		return JobsPage{}, queue.ErrInvalidStates
	}
	if start < 0 || start > end {
		return JobsPage{}, queue.ErrInvalidRange
	}
	q, _, err := m.queueFor(ctx, queueID)
	if err != nil {
		return JobsPage{}, err
	}

	jobs, err := q.GetJobs(ctx, states, start, end+1, asc)
	if err != nil {
		return JobsPage{}, err
	}
	size := int(end - start + 1)
	page := JobsPage{Jobs: jobs, HasMore: len(jobs) > size}
	if page.HasMore {
		page.Jobs = jobs[:size]
	}
	return page, nil
}

// Dispose closes every queue handle. Close errors are logged and otherwise
// ignored.
func (m *Manager) Dispose() {
	m.mu.Lock()
	queues := m.queues
	m.queues = make(map[string]*queue.Queue)
	m.mu.Unlock()

	for id, q := range queues {
		if err := q.Close(); err != nil {
			m.logger.Warn("failed to close queue", zap.String("queue", id), zap.Error(err))
		}
	}
}
