package jobs

import (
	"context"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/queuemanager"
)

// RequestContext is built once per job attempt and shared by the barrier,
// Process and the hooks of that attempt.
type RequestContext struct {
	CorrelationID string
	Logger        *zap.Logger
}

func (rc *RequestContext) requestContext() *RequestContext { return rc }

// requestContextCarrier is what a job local must look like to be reused as a
// request context.
type requestContextCarrier interface {
	requestContext() *RequestContext
}

type requestContextKey struct{}

func cachedRequestContext(job *queue.Job) (*RequestContext, bool) {
	v, ok := job.Local(requestContextKey{})
	if !ok {
		return nil, false
	}
	c, ok := v.(requestContextCarrier)
	if !ok || c.requestContext() == nil {
		return nil, false
	}
	return c.requestContext(), true
}

// ExecutionContext is handed to barriers.
type ExecutionContext struct {
	Logger  *zap.Logger
	Manager *queuemanager.Manager
	Redis   r.UniversalClient
}

// Barrier decides whether a job may run now. A holding result parks the job
// in the delayed state for the returned delay without consuming an attempt.
type Barrier func(ctx context.Context, job *queue.Job, ec ExecutionContext) (domain.BarrierResult, error)
