package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/queuemanager"
)

type FailedJobWriter interface {
	InsertFailedJob(ctx context.Context, j FailedJob) error
}

// Archiver moves failed jobs of every manager queue from Redis to the
// archive store. It is meant to run as a single-consumer periodic job.
type Archiver struct {
	manager *queuemanager.Manager
	store   FailedJobWriter
	batch   int64
	logger  *zap.Logger
}

func NewArchiver(manager *queuemanager.Manager, store FailedJobWriter, batch int64, logger *zap.Logger) *Archiver {
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{manager: manager, store: store, batch: batch, logger: logger.Named("archiver")}
}

// Run archives up to one batch of failed jobs per queue. Per-queue failures
// do not stop the other queues and are returned together.
func (a *Archiver) Run(ctx context.Context, _ string) error {
	var errs error
	for _, id := range a.manager.QueueIDs() {
		n, err := a.archiveQueue(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		if n > 0 {
			a.logger.Info("archived failed jobs", zap.String("queue", id), zap.Int("count", n))
		}
	}
	return errs
}

func (a *Archiver) archiveQueue(ctx context.Context, queueID string) (int, error) {
	page, err := a.manager.GetJobsInQueue(ctx, queueID, []domain.State{domain.Failed}, 0, a.batch-1, true)
	if err != nil {
		return 0, errors.Wrapf(err, "list failed jobs of %s", queueID)
	}

	var (
		archived int
		errs     error
	)
	for _, job := range page.Jobs {
		failedAt := job.FinishedOn
		if failedAt.IsZero() {
			failedAt = time.Now()
		}
		err := a.store.InsertFailedJob(ctx, FailedJob{
			QueueID:      queueID,
			JobID:        job.ID,
			Name:         job.Name,
			Payload:      job.Data,
			FailedReason: job.FailedReason,
			AttemptsMade: job.AttemptsMade,
			FailedAt:     failedAt,
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := job.Remove(ctx); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			errs = multierr.Append(errs, err)
			continue
		}
		archived++
	}
	return archived, errs
}
