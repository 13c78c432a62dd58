package jobs

import (
	"github.com/you/jobq/internal/config"
	"github.com/you/jobq/internal/queue"
)

// OptionsFromConfig returns processor options for queueID built from the
// process configuration. Logger, reporter, tracer and barrier are left to
// the caller.
func OptionsFromConfig(cfg config.Config, queueID string) Options {
	return Options{
		QueueID: queueID,
		Owner:   cfg.ServiceName,
		Worker: queue.WorkerOptions{
			Concurrency:     cfg.Worker.Concurrency,
			LockDuration:    cfg.Worker.LockDuration,
			StalledInterval: cfg.Worker.StalledInterval,
			MaxStalledCount: cfg.Worker.MaxStalledCount,
		},
		TestMode: cfg.IsTest(),
	}
}

// ProcessorOptionsFromConfig extends OptionsFromConfig with the Redis
// settings a legacy processor needs.
func ProcessorOptionsFromConfig(cfg config.Config, queueID string) ProcessorOptions {
	return ProcessorOptions{
		Options: OptionsFromConfig(cfg, queueID),
		Prefix:  cfg.Redis.KeyPrefix,
	}
}
