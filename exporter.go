package emitz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Export failure reasons. Exporters wrap one of these so the scheduler can
// classify failures without knowing the transport.
var (
	ErrTransport     = errors.New("emitz: transport unreachable")
	ErrRejected      = errors.New("emitz: batch rejected by remote")
	ErrSerialization = errors.New("emitz: batch serialization failed")
)

// Exporter delivers one batch to a remote sink. Success and failure are
// reported per batch, never per record. Retries, if any, belong inside the
// exporter; the scheduler drops failed batches.
type Exporter[T any] interface {
	Export(ctx context.Context, batch Batch[T]) error
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc[T any] func(ctx context.Context, batch Batch[T]) error

// Export calls f.
func (f ExporterFunc[T]) Export(ctx context.Context, batch Batch[T]) error {
	return f(ctx, batch)
}

// shutdowner is implemented by exporters holding connections.
type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// FailureReason classifies an export error for logging.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrSerialization):
		return "serialization"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "unknown"
	}
}

// WriterExporter writes each record of a batch as one JSON line.
// Safe for concurrent use by multiple goroutines.
type WriterExporter[T any] struct {
	w        io.Writer
	resource map[string]string
	mu       sync.Mutex
}

// NewWriterExporter creates an exporter writing JSON lines to w.
func NewWriterExporter[T any](w io.Writer) *WriterExporter[T] {
	return &WriterExporter[T]{w: w}
}

// WithResource wraps every line as {"resource": ..., "record": ...} so the
// output carries the same identity an OTLP export would.
// Must be called before the first Export.
func (e *WriterExporter[T]) WithResource(res Resource) *WriterExporter[T] {
	e.resource = res.Map()
	return e
}

type resourceLine[T any] struct {
	Resource map[string]string `json:"resource"`
	Record   T                 `json:"record"`
}

// Export encodes the whole batch before writing so a serialization failure
// writes nothing.
func (e *WriterExporter[T]) Export(_ context.Context, batch Batch[T]) error {
	var out []byte
	for _, record := range batch.Records() {
		var v any = record
		if e.resource != nil {
			v = resourceLine[T]{Resource: e.resource, Record: record}
		}
		line, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSerialization, err)
		}
		out = append(out, line...)
		out = append(out, '\n')
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(out); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// DiscardExporter accepts and counts every batch without sending it anywhere.
type DiscardExporter[T any] struct {
	batches atomic.Int64
	records atomic.Int64
}

// Export counts the batch.
func (e *DiscardExporter[T]) Export(_ context.Context, batch Batch[T]) error {
	e.batches.Add(1)
	e.records.Add(int64(batch.Len()))
	return nil
}

// Batches returns the number of batches accepted.
func (e *DiscardExporter[T]) Batches() int64 {
	return e.batches.Load()
}

// Records returns the number of records accepted.
func (e *DiscardExporter[T]) Records() int64 {
	return e.records.Load()
}
