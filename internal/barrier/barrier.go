// Package barrier provides admission checks that hold a job back while a
// downstream queue is too full.
//
// Both barriers read the current count and decide without any transaction,
// so concurrent workers can all pass at the same moment and push the
// downstream queue past its ceiling. Pick ceilings that leave headroom for
// the number of workers that may pass at once.
package barrier

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/jobs"
	"github.com/you/jobq/internal/queue"
)

const DefaultDelay = 30 * time.Second

var ErrNoManager = errors.New("queue size barrier needs a queue manager")

// JobCounter reports how many unfinished jobs a queue holds. Processor
// implements it.
type JobCounter interface {
	GetJobCount(ctx context.Context) (int64, error)
}

type Options struct {
	// Limit is the count at which jobs stop being admitted.
	Limit int64
	// Delay is how long a held job waits before it is checked again.
	Delay time.Duration
}

func (o Options) delay() time.Duration {
	if o.Delay <= 0 {
		return DefaultDelay
	}
	return o.Delay
}

// ChildJobCount admits jobs while the child processor has fewer than Limit
// unfinished jobs.
func ChildJobCount(child JobCounter, opts Options) jobs.Barrier {
	return func(ctx context.Context, job *queue.Job, ec jobs.ExecutionContext) (domain.BarrierResult, error) {
		count, err := child.GetJobCount(ctx)
		if err != nil {
			return domain.BarrierResult{}, errors.Wrap(err, "count child jobs")
		}
		return decide(ec, count, opts), nil
	}
}

// QueueSize admits jobs while the listed manager queues together hold fewer
// than Limit unfinished jobs.
func QueueSize(queueIDs []string, opts Options) jobs.Barrier {
	return func(ctx context.Context, job *queue.Job, ec jobs.ExecutionContext) (domain.BarrierResult, error) {
		if ec.Manager == nil {
			return domain.BarrierResult{}, ErrNoManager
		}
		var total int64
		for _, id := range queueIDs {
			count, err := ec.Manager.GetJobCount(ctx, id)
			if err != nil {
				return domain.BarrierResult{}, errors.Wrapf(err, "count jobs of %s", id)
			}
			total += count
		}
		return decide(ec, total, opts), nil
	}
}

func decide(ec jobs.ExecutionContext, count int64, opts Options) domain.BarrierResult {
	if count < opts.Limit {
		return domain.Pass()
	}
	if ec.Logger != nil {
		ec.Logger.Debug("barrier holding job",
			zap.Int64("count", count),
			zap.Int64("limit", opts.Limit),
		)
	}
	return domain.Hold(opts.delay())
}
