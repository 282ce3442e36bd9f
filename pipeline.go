package emitz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Stream names used in diagnostics and metrics.
const (
	StreamSpans = "spans"
	StreamLogs  = "logs"
)

// Pipeline wires a Tracer and a Logger to two independent buffer/scheduler
// pairs, one per stream, each with its own exporter.
//
//nolint:govet // Field order optimized for functionality over memory
type Pipeline struct {
	cfg           Config
	spans         *Buffer[Span]
	logs          *Buffer[LogRecord]
	spanScheduler *Scheduler[Span]
	logScheduler  *Scheduler[LogRecord]
	spanExporter  Exporter[Span]
	logExporter   Exporter[LogRecord]
	tracer        *Tracer
	logger        *Logger
	diag          *slog.Logger
	registration  metric.Registration
	mu            sync.Mutex
	started       bool
	stopped       bool
}

// New validates cfg and builds a pipeline exporting spans through
// spanExporter and logs through logExporter. Nothing runs until Start.
func New(cfg Config, spanExporter Exporter[Span], logExporter Exporter[LogRecord]) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if spanExporter == nil {
		return nil, errors.New("emitz: span exporter is required")
	}
	if logExporter == nil {
		return nil, errors.New("emitz: log exporter is required")
	}

	if cfg.Clock == nil {
		cfg.Clock = clockz.RealClock
	}
	if cfg.Sink == nil {
		cfg.Sink = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}

	// Diagnostics share the local sink but never a Buffer.
	diag := slog.New(cfg.Sink).With("component", "emitz")

	p := &Pipeline{
		cfg:          cfg,
		spans:        NewBuffer[Span](cfg.Spans.MaxQueueSize),
		logs:         NewBuffer[LogRecord](cfg.Logs.MaxQueueSize),
		spanExporter: spanExporter,
		logExporter:  logExporter,
		diag:         diag,
	}

	p.spanScheduler = NewScheduler(StreamSpans, p.spans, spanExporter, cfg.Spans).
		WithClock(cfg.Clock).
		WithLogger(diag)
	p.logScheduler = NewScheduler(StreamLogs, p.logs, logExporter, cfg.Logs).
		WithClock(cfg.Clock).
		WithLogger(diag)

	p.tracer = NewTracer(p.spans).
		WithClock(cfg.Clock).
		WithStrict(cfg.Strict).
		WithLogger(diag)
	p.logger = NewLogger(cfg.Resource, cfg.Sink, p.logs).
		WithClock(cfg.Clock).
		WithExportLevel(cfg.LogExportLevel)

	return p, nil
}

// Start registers the pipeline's gauges and launches both flush loops.
// The loops stop when ctx is canceled or at Shutdown. A second call is a
// no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errors.New("emitz: pipeline already shut down")
	}
	if p.started {
		return nil
	}

	reg, err := registerMetrics(p.cfg.MeterProvider, p)
	if err != nil {
		return fmt.Errorf("emitz: register metrics: %w", err)
	}
	p.registration = reg

	p.spanScheduler.Start(ctx)
	p.logScheduler.Start(ctx)
	p.started = true
	return nil
}

// Tracer returns the pipeline's tracer.
func (p *Pipeline) Tracer() *Tracer {
	return p.tracer
}

// Logger returns the pipeline's correlation logger.
func (p *Pipeline) Logger() *Logger {
	return p.logger
}

// Resource returns the identity attached to every record.
func (p *Pipeline) Resource() Resource {
	return p.cfg.Resource
}

// SpanScheduler returns the scheduler exporting spans.
func (p *Pipeline) SpanScheduler() *Scheduler[Span] {
	return p.spanScheduler
}

// LogScheduler returns the scheduler exporting logs.
func (p *Pipeline) LogScheduler() *Scheduler[LogRecord] {
	return p.logScheduler
}

// StreamStats is a point-in-time view of one stream.
type StreamStats struct {
	Stream    string `json:"stream"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Dropped   int64  `json:"dropped"`
	Exported  int64  `json:"exported"`
	Failures  int64  `json:"failures"`
	Discarded int64  `json:"discarded"`
}

// Stats returns the current counters for both streams, spans first.
func (p *Pipeline) Stats() []StreamStats {
	return []StreamStats{
		streamStats(p.spans, p.spanScheduler),
		streamStats(p.logs, p.logScheduler),
	}
}

func streamStats[T any](b *Buffer[T], s *Scheduler[T]) StreamStats {
	return StreamStats{
		Stream:    s.Name(),
		Depth:     b.Len(),
		Capacity:  b.Capacity(),
		Dropped:   b.Dropped(),
		Exported:  s.Exported(),
		Failures:  s.Failures(),
		Discarded: s.Discarded(),
	}
}

// Flush exports everything buffered in both streams and waits for it.
func (p *Pipeline) Flush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.spanScheduler.Flush(ctx) })
	g.Go(func() error { return p.logScheduler.Flush(ctx) })
	return g.Wait()
}

// Shutdown stops both streams, exports what remains and releases the
// exporters. Without a deadline on ctx, Config.ShutdownTimeout bounds the
// whole call. Records still buffered at the deadline are discarded.
//
// The returned error joins exporter teardown failures; export failures
// during the final flush are only logged. Safe to call more than once.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		defer cancel()
	}

	var g errgroup.Group
	g.Go(func() error {
		p.spanScheduler.Shutdown(ctx)
		return nil
	})
	g.Go(func() error {
		p.logScheduler.Shutdown(ctx)
		return nil
	})
	_ = g.Wait()

	var errs []error
	if s, ok := p.spanExporter.(shutdowner); ok {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("emitz: span exporter shutdown: %w", err))
		}
	}
	if s, ok := p.logExporter.(shutdowner); ok {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("emitz: log exporter shutdown: %w", err))
		}
	}
	if p.registration != nil {
		if err := p.registration.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("emitz: unregister metrics: %w", err))
		}
	}
	p.tracer.Close()

	for _, st := range p.Stats() {
		p.diag.Info("stream closed",
			"stream", st.Stream,
			"exported", st.Exported,
			"dropped", st.Dropped,
			"failures", st.Failures,
			"discarded", st.Discarded,
		)
	}
	return errors.Join(errs...)
}
