package emitz

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans and hands completed ones to a span buffer.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	spans       *Buffer[Span]
	clock       clockz.Clock
	diag        *slog.Logger
	traceIDPool *IDPool
	spanIDPool  *IDPool
	idPoolOnce  sync.Once
	strict      bool
	misuses     atomic.Int64
}

// NewTracer creates a tracer that enqueues completed spans into spans.
// A nil buffer discards completed spans.
func NewTracer(spans *Buffer[Span]) *Tracer {
	return &Tracer{
		spans: spans,
		clock: clockz.RealClock,
		diag:  slog.New(slog.DiscardHandler),
	}
}

// WithClock sets the clock used for span timestamps.
// Enables clock injection for deterministic testing.
func (t *Tracer) WithClock(clock clockz.Clock) *Tracer {
	t.clock = clock
	return t
}

// WithStrict makes mutations of ended spans panic with ErrSpanEnded instead
// of being ignored. Intended for tests.
func (t *Tracer) WithStrict(strict bool) *Tracer {
	t.strict = strict
	return t
}

// WithLogger sets the diagnostic logger. It must write to the local sink
// only; routing it back into a log buffer would export the pipeline's own
// failures.
func (t *Tracer) WithLogger(logger *slog.Logger) *Tracer {
	if logger != nil {
		t.diag = logger
	}
	return t
}

// ensureIDPools initializes ID pools if not already created.
func (t *Tracer) ensureIDPools() {
	t.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		poolSize := runtime.NumCPU() * 100
		t.traceIDPool = newHexIDPool(poolSize, traceIDBytes, t.clock)
		t.spanIDPool = newHexIDPool(poolSize, spanIDBytes, t.clock)
	})
}

// Start opens a span named name and returns a context in which it is the
// active span.
//
// The parent is the innermost open span in ctx. Without one, a valid remote
// OpenTelemetry span context in ctx (for example extracted from a traceparent
// header) becomes the parent. Otherwise the span starts a new trace.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *ActiveSpan) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ensureIDPools()

	span := &Span{
		SpanID:    t.spanIDPool.Get(),
		Name:      name,
		StartTime: t.clock.Now(),
	}

	active := &ActiveSpan{
		span:   span,
		tracer: t,
		parent: SpanFromContext(ctx),
		remote: remoteParent(ctx),
	}
	switch {
	case active.parent != nil:
		psc := active.parent.SpanContext()
		span.TraceID = psc.TraceID
		span.ParentID = psc.SpanID
	case active.remote.IsValid():
		span.TraceID = active.remote.TraceID().String()
		span.ParentID = active.remote.SpanID().String()
	default:
		span.TraceID = t.traceIDPool.Get()
	}
	active.SetAttributes(attrs...)

	newCtx := active.Context(ctx)
	if sc, ok := otelSpanContext(span); ok {
		newCtx = trace.ContextWithSpanContext(newCtx, sc)
	}
	return newCtx, active
}

// otelSpanContext converts span identity for OpenTelemetry propagators.
func otelSpanContext(span *Span) (trace.SpanContext, bool) {
	tid, err := trace.TraceIDFromHex(span.TraceID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sid, err := trace.SpanIDFromHex(span.SpanID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	}), true
}

// InSpan runs fn inside a new span and ends the span with fn's result.
// The span is ended on every exit path. If fn panics the span is marked as
// Error and ended before the panic continues.
func (t *Tracer) InSpan(ctx context.Context, name string, fn func(ctx context.Context, span *ActiveSpan) error, attrs ...attribute.KeyValue) error {
	ctx, span := t.Start(ctx, name, attrs...)
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, fmt.Sprint(r))
			span.End()
			panic(r)
		}
	}()

	err := fn(ctx, span)
	span.EndWith(err)
	return err
}

// collect enqueues a completed span.
func (t *Tracer) collect(span Span) {
	if t.spans == nil {
		return
	}
	t.spans.Enqueue(span)
}

// misuse handles a mutation of an ended span.
func (t *Tracer) misuse(op, name string) {
	t.misuses.Add(1)
	if t.strict {
		panic(fmt.Errorf("%w: %s on %q", ErrSpanEnded, op, name))
	}
	t.diag.Debug("span mutation after end ignored", "op", op, "span", name)
}

// Misuses returns the number of ignored mutations of ended spans.
func (t *Tracer) Misuses() int64 {
	return t.misuses.Load()
}

// Close stops the ID pools. Spans can still be started afterwards.
func (t *Tracer) Close() {
	if t.traceIDPool != nil {
		t.traceIDPool.Close()
	}
	if t.spanIDPool != nil {
		t.spanIDPool.Close()
	}
}
