package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/you/jobq/internal/queue"
)

const jobLogTimeout = 5 * time.Second

// NewJobLogger returns a logger that writes to base and mirrors every entry
// base would accept onto the job's own log list. Entries logged after the
// job was removed are only written to base.
func NewJobLogger(base *zap.Logger, job *queue.Job) *zap.Logger {
	mirror := &jobCore{
		LevelEnabler: base.Core(),
		enc:          zapcore.NewJSONEncoder(jobLogEncoderConfig()),
		job:          job,
	}
	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, mirror)
	}))
}

func jobLogEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

type jobCore struct {
	zapcore.LevelEnabler
	enc zapcore.Encoder
	job *queue.Job
}

func (c *jobCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &jobCore{LevelEnabler: c.LevelEnabler, enc: c.enc.Clone(), job: c.job}
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return clone
}

func (c *jobCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *jobCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := strings.TrimSuffix(buf.String(), "\n")
	buf.Free()

	ctx, cancel := context.WithTimeout(context.Background(), jobLogTimeout)
	defer cancel()
	if err := c.job.Log(ctx, line); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		return err
	}
	return nil
}

func (c *jobCore) Sync() error { return nil }
