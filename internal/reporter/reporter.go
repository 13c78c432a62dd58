package reporter

import (
	"context"

	"go.uber.org/zap"
)

type ErrorReport struct {
	Err     error
	Context map[string]any
}

// Reporter is the single sink for terminal and unexpected failures.
type Reporter interface {
	Report(ctx context.Context, report ErrorReport)
}

type Func func(ctx context.Context, report ErrorReport)

func (f Func) Report(ctx context.Context, report ErrorReport) { f(ctx, report) }

// LogReporter writes reports to a zap logger at error level.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("error-reporter")}
}

func (r *LogReporter) Report(_ context.Context, report ErrorReport) {
	fields := make([]zap.Field, 0, len(report.Context)+1)
	fields = append(fields, zap.Error(report.Err))
	for k, v := range report.Context {
		fields = append(fields, zap.Any(k, v))
	}
	r.logger.Error("error reported", fields...)
}

type nop struct{}

func (nop) Report(context.Context, ErrorReport) {}

func Nop() Reporter { return nop{} }
