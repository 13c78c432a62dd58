package jobs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/jobq/internal/config"
	"github.com/you/jobq/internal/domain"
	"github.com/you/jobq/internal/jobs"
)

func TestOptionsFromConfig(t *testing.T) {
	t.Setenv("APP_ENV", config.EnvTest)
	t.Setenv("SERVICE_NAME", "billing")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("WORKER_LOCK_DURATION", "10s")
	t.Setenv("WORKER_STALLED_INTERVAL", "15s")
	t.Setenv("WORKER_MAX_STALLED_COUNT", "2")
	t.Setenv("REDIS_KEY_PREFIX", "billing")
	cfg, err := config.Load()
	require.NoError(t, err)

	opts := jobs.ProcessorOptionsFromConfig(cfg, "invoices")
	assert.Equal(t, "invoices", opts.QueueID)
	assert.Equal(t, "billing", opts.Owner)
	assert.Equal(t, "billing", opts.Prefix)
	assert.True(t, opts.TestMode)
	assert.Equal(t, 4, opts.Worker.Concurrency)
	assert.Equal(t, 10*time.Second, opts.Worker.LockDuration)
	assert.Equal(t, 15*time.Second, opts.Worker.StalledInterval)
	assert.Equal(t, 2, opts.Worker.MaxStalledCount)
}

func TestProcessorFromConfig_RunsJobs(t *testing.T) {
	t.Setenv("APP_ENV", config.EnvTest)
	cfg, err := config.Load()
	require.NoError(t, err)

	opts := jobs.ProcessorOptionsFromConfig(cfg, testQueue)
	opts.Redis = newRedis(t)
	opts.ActiveQueues = jobs.NewActiveQueues()
	opts.Worker.PollInterval = fastWorker.PollInterval
	p, err := jobs.NewProcessor[payload, string](echo(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Dispose() })

	ctx := waitCtx(t)
	require.NoError(t, p.Start(ctx))
	id, err := p.Schedule(ctx, newPayload("cfg"), domain.JobOptions{})
	require.NoError(t, err)
	_, err = spyOf[payload](t, p).WaitForJobWithID(ctx, id, domain.Completed)
	require.NoError(t, err)
}
