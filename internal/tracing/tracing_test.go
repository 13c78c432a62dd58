package tracing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/you/jobq/internal/tracing"
)

func TestOTel_StartStop(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tm := tracing.NewOTel(tp.Tracer("test"))

	tm.Start("bg_job:owner:queue", "job-1")
	assert.Empty(t, sr.Ended())

	tm.Stop("job-1")
	tm.Stop("job-1")

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "bg_job:owner:queue", ended[0].Name())
}

func TestOTel_RestartEndsPreviousSpan(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tm := tracing.NewOTel(tp.Tracer("test"))

	tm.Start("first", "key")
	tm.Start("second", "key")
	tm.Stop("key")

	ended := sr.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "first", ended[0].Name())
	assert.Equal(t, "second", ended[1].Name())
}
