package otlp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/zoobzio/emitz"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SpanExporter uploads span batches through an otlptrace.Client.
// Safe for concurrent use by multiple goroutines.
type SpanExporter struct {
	client   otlptrace.Client
	resource *resourcepb.Resource
	mu       sync.Mutex
	started  bool
	stopped  bool
}

// NewSpanExporter creates an exporter reporting spans under res. The client
// is started on the first export.
func NewSpanExporter(res emitz.Resource, client otlptrace.Client) *SpanExporter {
	return &SpanExporter{
		client:   client,
		resource: ResourceProto(res),
	}
}

// Export converts and uploads one batch.
func (e *SpanExporter) Export(ctx context.Context, batch emitz.Batch[emitz.Span]) error {
	if batch.Len() == 0 {
		return nil
	}
	if err := e.start(ctx); err != nil {
		return err
	}

	rs, err := ResourceSpans(e.resource, batch.Records())
	if err != nil {
		return err
	}
	if err := e.client.UploadTraces(ctx, []*tracepb.ResourceSpans{rs}); err != nil {
		return classify(ctx, "upload spans", err)
	}
	return nil
}

// start starts the client once. A failed start is retried on the next
// export.
func (e *SpanExporter) start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return fmt.Errorf("%w: exporter shut down", emitz.ErrTransport)
	}
	if e.started {
		return nil
	}
	if err := e.client.Start(ctx); err != nil {
		return classify(ctx, "start trace client", err)
	}
	e.started = true
	return nil
}

// Shutdown stops the client. Later exports fail with emitz.ErrTransport.
func (e *SpanExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}
	e.stopped = true
	if !e.started {
		return nil
	}
	return e.client.Stop(ctx)
}

// httpStatusPattern finds the response status otlptracehttp reports for a
// non-retryable collector answer, as in "failed to send to <url>: 400 Bad
// Request". The client exposes no typed error for it.
var httpStatusPattern = regexp.MustCompile(`failed to send to \S+: (\d{3})\b`)

// classify wraps err with the emitz failure sentinel it corresponds to.
// gRPC statuses other than Unavailable, and HTTP 4xx or 5xx answers, mean
// the collector answered and refused the batch.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable:
			return fmt.Errorf("%w: %s: %w", emitz.ErrTransport, op, err)
		case codes.DeadlineExceeded, codes.Canceled:
			return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
		case codes.Unknown:
		default:
			return fmt.Errorf("%w: %s: %w", emitz.ErrRejected, op, err)
		}
	}
	if m := httpStatusPattern.FindStringSubmatch(err.Error()); m != nil {
		if code, _ := strconv.Atoi(m[1]); code >= 400 {
			return fmt.Errorf("%w: %s: %w", emitz.ErrRejected, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", emitz.ErrTransport, op, err)
}
