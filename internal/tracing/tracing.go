package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/you/jobq"

// TransactionManager brackets a unit of work (a job attempt, a periodic tick)
// between Start and Stop calls sharing the same key.
type TransactionManager interface {
	Start(name, key string)
	Stop(key string)
}

// OTel records every transaction as an OpenTelemetry span.
type OTel struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

func NewOTel(tracer trace.Tracer) *OTel {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &OTel{tracer: tracer, spans: make(map[string]trace.Span)}
}

func (o *OTel) Start(name, key string) {
	_, span := o.tracer.Start(context.Background(), name,
		trace.WithAttributes(attribute.String("jobq.transaction.key", key)),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)

	o.mu.Lock()
	prev, ok := o.spans[key]
	o.spans[key] = span
	o.mu.Unlock()

	if ok {
		prev.End()
	}
}

func (o *OTel) Stop(key string) {
	o.mu.Lock()
	span, ok := o.spans[key]
	delete(o.spans, key)
	o.mu.Unlock()

	if ok {
		span.End()
	}
}

type nop struct{}

func (nop) Start(string, string) {}
func (nop) Stop(string)          {}

func Nop() TransactionManager { return nop{} }
