package queue

import (
	"math"
	"time"

	"github.com/you/jobq/internal/domain"
)

// backoffDelay returns how long to wait before retrying after the given
// number of failed attempts. A zero delay retries immediately.
func backoffDelay(b *domain.Backoff, attemptsMade int) time.Duration {
	if b == nil || b.Delay <= 0 {
		return 0
	}
	switch b.Type {
	case domain.BackoffExponential:
		return time.Duration(float64(b.Delay) * math.Pow(2, float64(attemptsMade-1)))
	default:
		return b.Delay
	}
}
