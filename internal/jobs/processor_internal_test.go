package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/queue"
	"github.com/you/jobq/internal/reporter"
)

var testTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type classifyPayload struct {
	domain.Payload
}

type countingFailureHandler struct {
	errs []error
}

func (h *countingFailureHandler) Process(context.Context, *Job[classifyPayload], *RequestContext) (string, error) {
	return "", nil
}

func (h *countingFailureHandler) OnFailed(_ context.Context, _ *Job[classifyPayload], err error, _ *RequestContext) error {
	h.errs = append(h.errs, err)
	return nil
}

func TestProcessor_FailureClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		attempts     int
		attemptsMade int
		terminal     bool
		reported     bool
	}{
		{"ordinary with attempts left", errors.New("x"), 3, 1, false, false},
		{"ordinary on last attempt", errors.New("x"), 3, 3, true, true},
		{"stalled", queue.ErrJobStalled, 3, 0, true, true},
		{"unrecoverable", NewUnrecoverable("stop", nil), 3, 1, true, true},
		{"muted unrecoverable", NewMutedUnrecoverable("stop", nil), 3, 1, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var reports []reporter.ErrorReport
			h := &countingFailureHandler{}
			p := newProcessor[classifyPayload, string](h, nil, nil, nil, Options{
				QueueID:      "q",
				ActiveQueues: NewActiveQueues(),
				TestMode:     true,
				Reporter: reporter.Func(func(_ context.Context, r reporter.ErrorReport) {
					reports = append(reports, r)
				}),
			})

			job := &queue.Job{
				ID:           "job-1",
				Data:         json.RawMessage(`{"metadata":{"correlationId":"c-1"}}`),
				Opts:         domain.JobOptions{Attempts: tt.attempts},
				AttemptsMade: tt.attemptsMade,
			}
			p.failed(job, tt.err)

			if tt.terminal {
				require.Len(t, h.errs, 1)
				assert.Same(t, tt.err, h.errs[0])
				_, recorded := p.spy.records[job.ID]
				assert.True(t, recorded)
			} else {
				assert.Empty(t, h.errs)
				assert.Empty(t, p.spy.records)
			}
			assert.Equal(t, tt.reported, len(reports) == 1)
			if tt.reported {
				assert.Equal(t, "c-1", reports[0].Context["correlationId"])
			}
		})
	}
}

func TestOutcome_EngineResult(t *testing.T) {
	t.Parallel()

	res, err := proceed("done").engineResult()
	require.NoError(t, err)
	assert.Equal(t, "done", res)

	_, err = redelay(testTime).engineResult()
	var rd *queue.RedelayError
	require.ErrorAs(t, err, &rd)
	assert.Equal(t, testTime, rd.Until)

	boom := errors.New("boom")
	_, err = fail(boom).engineResult()
	assert.Same(t, boom, err)
}
