// Package redisconn opens Redis clients for the queue engine and the
// distributed lock.
package redisconn

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/you/jobq/internal/config"
)

var (
	ErrInvalidURL = errors.New("failed to parse redis connection string")
	ErrNotReady   = errors.New("redis did not become ready within the given time period")
)

// Options parses the configured URL. Workers block on Redis for long
// stretches, so per-request retries are disabled and failures surface to the
// poll loop instead.
func Options(cfg config.Redis) (*r.Options, error) {
	opts, err := r.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidURL, err.Error())
	}
	opts.MaxRetries = -1
	if cfg.CommandTimeout > 0 {
		opts.ReadTimeout = cfg.CommandTimeout
		opts.WriteTimeout = cfg.CommandTimeout
	}
	return opts, nil
}

// Connect pings until Redis answers, making up to RetryAttempts attempts
// within ConnectTimeout.
func Connect(ctx context.Context, cfg config.Redis) (*r.Client, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	attempts := max(cfg.RetryAttempts, 1)
	var lastErr error
	for i := range attempts {
		rdb := r.NewClient(opts)
		if lastErr = rdb.Ping(ctx).Err(); lastErr == nil {
			return rdb, nil
		}
		_ = rdb.Close()

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ErrNotReady, ctx.Err().Error())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, errors.Wrap(ErrNotReady, lastErr.Error())
}
