// Package emitz provides a trace-correlated telemetry emission pipeline.
//
// emitz produces spans for nested units of work and log records stamped with
// the identity of the span that was active when they were emitted. Spans and
// logs are buffered in two independent queues and shipped to a collector in
// batches, while every log record is also written synchronously to a local
// sink for inline debugging.
//
// Core Components:
//   - Tracer: Starts spans and tracks the active span per context.
//   - ActiveSpan: Handle to an open span, released with End or EndWith.
//   - Buffer: Bounded queue of completed records; drops the oldest on overflow.
//   - Scheduler: Drains a Buffer on a size threshold or a flush interval.
//   - Exporter: Delivers one Batch to a remote sink.
//   - Logger: Joins log messages with the active span and resource identity.
//   - Pipeline: Wires the above together for one process.
//
// Basic Usage:
//
//	p, err := emitz.New(cfg, spanExporter, logExporter)
//	if err != nil {
//		return err
//	}
//	p.Start(ctx)
//	defer p.Shutdown(context.Background())
//
//	ctx, span := p.Tracer().Start(ctx, "process_greeting")
//	defer span.End()
//
//	span.SetAttributes(attribute.String("user.name", name))
//	p.Logger().Info(ctx, "Processing greeting")
//
// Context Propagation:
//
// The active span travels in context.Context. Child spans inherit their
// parent's TraceID and reference the parent's SpanID. Two goroutines holding
// different contexts never observe each other's active span.
//
// Failure Semantics:
//
// Nothing in this package returns telemetry errors to the code being
// observed. Overflowing buffers drop their oldest records, failed batches are
// logged to the local sink and dropped, and the shutdown flush gives up at its
// deadline. Counters on Buffer and Scheduler expose every loss.
package emitz

// Reserved log record keys that caller attributes can never override.
const (
	TraceIDKey = "trace_id"
	SpanIDKey  = "span_id"
)
