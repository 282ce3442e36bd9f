package emitz

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
)

// ambientKeyType is a private type for context keys to avoid collisions.
type ambientKeyType string

const (
	ambientKey ambientKeyType = "emitz.ambient"
)

// DefaultSpanKeys are the span attributes copied onto correlated log
// records.
var DefaultSpanKeys = []string{
	"http.method",
	"http.status_code",
	"http.route",
	"http.target",
	"http.scheme",
}

// LogRecord is one log event. TraceID and SpanID are empty when no span was
// active, never zero-filled.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type LogRecord struct {
	Timestamp  time.Time  `json:"timestamp"`
	Level      slog.Level `json:"level"`
	Message    string     `json:"message"`
	TraceID    string     `json:"trace_id,omitempty"`
	SpanID     string     `json:"span_id,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Correlated reports whether the record carries span identity.
func (r *LogRecord) Correlated() bool {
	return r.TraceID != "" && r.SpanID != ""
}

// WithAmbient returns a context carrying attributes that every log record
// emitted under it inherits, such as the inbound request method and path.
// Later calls override earlier keys.
func WithAmbient(ctx context.Context, attrs ...attribute.KeyValue) context.Context {
	merged := ambientFrom(ctx).Clone()
	if merged == nil {
		merged = make(Attributes, len(attrs))
	}
	for _, kv := range attrs {
		if isScalar(kv) {
			merged[string(kv.Key)] = kv.Value
		}
	}
	return context.WithValue(ctx, ambientKey, merged)
}

func ambientFrom(ctx context.Context) Attributes {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(ambientKey).(Attributes)
	return a
}

// Logger emits log records correlated with the active span.
//
// Each record is written synchronously to the local sink, which sees every
// record regardless of level or export outcome, and then enqueued into the
// log buffer for export when its level is at least the export level.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Logger struct {
	resource    Resource
	sink        slog.Handler
	buffer      *Buffer[LogRecord]
	clock       clockz.Clock
	exportLevel slog.Level
	spanKeys    []string
	sinkErrors  atomic.Int64
}

// NewLogger creates a logger for resource writing to sink and exporting
// through buffer. A nil buffer disables export.
func NewLogger(resource Resource, sink slog.Handler, buffer *Buffer[LogRecord]) *Logger {
	return &Logger{
		resource:    resource,
		sink:        sink,
		buffer:      buffer,
		clock:       clockz.RealClock,
		exportLevel: slog.LevelInfo,
		spanKeys:    DefaultSpanKeys,
	}
}

// WithClock sets the clock used for record timestamps.
func (l *Logger) WithClock(clock clockz.Clock) *Logger {
	l.clock = clock
	return l
}

// WithExportLevel sets the minimum level enqueued for export.
func (l *Logger) WithExportLevel(level slog.Level) *Logger {
	l.exportLevel = level
	return l
}

// WithSpanKeys sets which attributes of the active span are copied onto
// records.
func (l *Logger) WithSpanKeys(keys ...string) *Logger {
	l.spanKeys = keys
	return l
}

// Debug emits at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, attrs ...attribute.KeyValue) {
	l.Emit(ctx, slog.LevelDebug, msg, attrs...)
}

// Info emits at info level.
func (l *Logger) Info(ctx context.Context, msg string, attrs ...attribute.KeyValue) {
	l.Emit(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn emits at warning level.
func (l *Logger) Warn(ctx context.Context, msg string, attrs ...attribute.KeyValue) {
	l.Emit(ctx, slog.LevelWarn, msg, attrs...)
}

// Error emits at error level.
func (l *Logger) Error(ctx context.Context, msg string, attrs ...attribute.KeyValue) {
	l.Emit(ctx, slog.LevelError, msg, attrs...)
}

// Emit builds a record from msg, the active span in ctx, the ambient
// attributes in ctx and attrs.
//
// Precedence, lowest first: ambient attributes, attributes copied from the
// active span, then attrs. trace_id, span_id and the resource keys are never
// taken from caller input.
func (l *Logger) Emit(ctx context.Context, level slog.Level, msg string, attrs ...attribute.KeyValue) {
	l.emit(ctx, l.clock.Now(), level, msg, attrs)
}

func (l *Logger) emit(ctx context.Context, ts time.Time, level slog.Level, msg string, attrs []attribute.KeyValue) {
	if ctx == nil {
		ctx = context.Background()
	}
	record := l.build(ctx, ts, level, msg, attrs)
	l.writeLocal(ctx, &record)

	if l.buffer != nil && level >= l.exportLevel {
		l.buffer.Enqueue(record)
	}
}

func (l *Logger) build(ctx context.Context, ts time.Time, level slog.Level, msg string, attrs []attribute.KeyValue) LogRecord {
	record := LogRecord{
		Timestamp: ts,
		Level:     level,
		Message:   msg,
	}

	merged := make(Attributes, len(attrs))
	for k, v := range ambientFrom(ctx) {
		merged[k] = v
	}

	if sc, ok := correlation(ctx); ok {
		record.TraceID = sc.TraceID
		record.SpanID = sc.SpanID
	}
	if span := SpanFromContext(ctx); span != nil {
		for _, key := range l.spanKeys {
			if v, ok := span.Attribute(key); ok {
				merged[key] = v
			}
		}
	}

	for _, kv := range attrs {
		if isScalar(kv) {
			merged[string(kv.Key)] = kv.Value
		}
	}

	delete(merged, TraceIDKey)
	delete(merged, SpanIDKey)
	for key := range merged {
		if isResourceKey(key) {
			delete(merged, key)
		}
	}
	if len(merged) > 0 {
		record.Attributes = merged
	}
	return record
}

// writeLocal hands the record to the sink. The sink's Enabled check is
// bypassed: the local sink is the fallback when export fails and must see
// everything.
func (l *Logger) writeLocal(ctx context.Context, record *LogRecord) {
	if l.sink == nil {
		return
	}
	r := slog.NewRecord(record.Timestamp, record.Level, record.Message, 0)
	for _, kv := range l.resource.Attributes() {
		r.AddAttrs(slog.String(string(kv.Key), kv.Value.AsString()))
	}
	if record.Correlated() {
		r.AddAttrs(
			slog.String(TraceIDKey, record.TraceID),
			slog.String(SpanIDKey, record.SpanID),
		)
	}
	for _, key := range record.Attributes.Keys() {
		r.AddAttrs(slogAttr(key, record.Attributes[key]))
	}
	if err := l.sink.Handle(ctx, r); err != nil {
		l.sinkErrors.Add(1)
	}
}

// SinkErrors returns the number of records the local sink failed to write.
func (l *Logger) SinkErrors() int64 {
	return l.sinkErrors.Load()
}

func slogAttr(key string, v attribute.Value) slog.Attr {
	switch v.Type() {
	case attribute.BOOL:
		return slog.Bool(key, v.AsBool())
	case attribute.INT64:
		return slog.Int64(key, v.AsInt64())
	case attribute.FLOAT64:
		return slog.Float64(key, v.AsFloat64())
	case attribute.STRING:
		return slog.String(key, v.AsString())
	default:
		return slog.Any(key, v.AsInterface())
	}
}
