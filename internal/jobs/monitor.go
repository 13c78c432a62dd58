package jobs

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/tracing"
)

type MonitorConfig struct {
	// Owner names the processor in logs and transaction names.
	Owner        string
	QueueID      string
	Logger       *zap.Logger
	Tracer       tracing.TransactionManager
	ActiveQueues *ActiveQueues
	// Index, when set, also records the queue id for dashboards. Only
	// processors that own their queue use it.
	Index *queue.Index
}

// Monitor holds the registration, logging and tracing steps every
// processor performs around a job.
type Monitor struct {
	owner   string
	queueID string
	logger  *zap.Logger
	tracer  tracing.TransactionManager
	active  *ActiveQueues
	index   *queue.Index
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	m := &Monitor{
		owner:   cfg.Owner,
		queueID: cfg.QueueID,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		active:  cfg.ActiveQueues,
		index:   cfg.Index,
	}
	if m.owner == "" {
		m.owner = cfg.QueueID
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.tracer == nil {
		m.tracer = tracing.Nop()
	}
	if m.active == nil {
		m.active = DefaultActiveQueues
	}
	m.logger = m.logger.With(zap.String("origin", m.owner), zap.String("queueId", m.queueID))
	return m
}

func (m *Monitor) RegisterQueue(ctx context.Context) error {
	if err := m.active.Register(m.queueID); err != nil {
		return err
	}
	if m.index != nil {
		if err := m.index.Upsert(ctx, m.queueID); err != nil {
			m.active.Unregister(m.queueID)
			return err
		}
	}
	return nil
}

func (m *Monitor) UnregisterQueue() { m.active.Unregister(m.queueID) }

// RequestContext returns the context cached on job, creating it on first
// use within the attempt.
func (m *Monitor) RequestContext(job *queue.Job) *RequestContext {
	if rc, ok := cachedRequestContext(job); ok {
		return rc
	}

	correlationID := correlationIDOf(job)
	base := m.logger.With(zap.String("correlationId", correlationID), zap.String("jobId", job.ID))
	rc := &RequestContext{
		CorrelationID: correlationID,
		Logger:        NewJobLogger(base, job),
	}
	job.SetLocal(requestContextKey{}, rc)
	return rc
}

func correlationIDOf(job *queue.Job) string {
	var p domain.Payload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return ""
	}
	return p.CorrelationID()
}

func (m *Monitor) transactionName() string {
	return "bg_job:" + m.owner + ":" + m.queueID
}

func (m *Monitor) JobStart(job *queue.Job, rc *RequestContext) {
	m.tracer.Start(m.transactionName(), job.ID)
	rc.Logger.Info("job started",
		zap.Int("jobProgress", job.Progress),
		zap.Int("attemptsMade", job.AttemptsMade),
	)
}

func (m *Monitor) JobAttemptError(job *queue.Job, err error, rc *RequestContext) {
	rc.Logger.Error("job attempt failed",
		zap.Int("jobProgress", job.Progress),
		zap.Int("attemptsMade", job.AttemptsMade),
		zap.Error(err),
	)
	m.tracer.Stop(job.ID)
}

func (m *Monitor) JobDelayed(job *queue.Job, delay time.Duration, rc *RequestContext) {
	rc.Logger.Debug("job delayed by barrier", zap.Duration("delay", delay))
	m.tracer.Stop(job.ID)
}

func (m *Monitor) JobEnd(job *queue.Job, rc *RequestContext) {
	rc.Logger.Info("job finished", zap.Int("jobProgress", job.Progress))
	m.tracer.Stop(job.ID)
}
