package otlp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zoobzio/emitz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// scope is the instrumentation scope every exported record is reported
// under.
var scope = &commonpb.InstrumentationScope{Name: emitz.ScopeName}

// ResourceProto converts r to its wire form.
func ResourceProto(r emitz.Resource) *resourcepb.Resource {
	attrs := r.Attributes()
	kvs := make([]*commonpb.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		kvs = append(kvs, &commonpb.KeyValue{
			Key:   string(kv.Key),
			Value: AnyValue(kv.Value),
		})
	}
	return &resourcepb.Resource{Attributes: kvs}
}

// KeyValues converts attributes in key order.
func KeyValues(a emitz.Attributes) []*commonpb.KeyValue {
	if len(a) == 0 {
		return nil
	}
	kvs := make([]*commonpb.KeyValue, 0, len(a))
	for _, k := range a.Keys() {
		kvs = append(kvs, &commonpb.KeyValue{Key: k, Value: AnyValue(a[k])})
	}
	return kvs
}

// AnyValue converts a scalar attribute value. Other types are sent as their
// string form.
func AnyValue(v attribute.Value) *commonpb.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case attribute.INT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case attribute.FLOAT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case attribute.STRING:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.AsString()}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.Emit()}}
	}
}

// ResourceSpans wraps spans in a single resource and scope.
func ResourceSpans(res *resourcepb.Resource, spans []emitz.Span) (*tracepb.ResourceSpans, error) {
	out := make([]*tracepb.Span, 0, len(spans))
	for i := range spans {
		s, err := SpanProto(&spans[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return &tracepb.ResourceSpans{
		Resource: res,
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: scope,
			Spans: out,
		}},
		SchemaUrl: semconv.SchemaURL,
	}, nil
}

// SpanProto converts one span. Identifiers that are not valid hex fail with
// emitz.ErrSerialization.
func SpanProto(s *emitz.Span) (*tracepb.Span, error) {
	tid, err := trace.TraceIDFromHex(s.TraceID)
	if err != nil {
		return nil, fmt.Errorf("%w: span %q trace id: %w", emitz.ErrSerialization, s.Name, err)
	}
	sid, err := trace.SpanIDFromHex(s.SpanID)
	if err != nil {
		return nil, fmt.Errorf("%w: span %q span id: %w", emitz.ErrSerialization, s.Name, err)
	}

	out := &tracepb.Span{
		TraceId:           tid[:],
		SpanId:            sid[:],
		Name:              s.Name,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: unixNano(s.StartTime),
		EndTimeUnixNano:   unixNano(s.EndTime),
		Attributes:        KeyValues(s.Attributes),
		Status:            statusProto(s.Status),
	}
	if s.ParentID != "" {
		pid, err := trace.SpanIDFromHex(s.ParentID)
		if err != nil {
			return nil, fmt.Errorf("%w: span %q parent id: %w", emitz.ErrSerialization, s.Name, err)
		}
		out.ParentSpanId = pid[:]
	}
	return out, nil
}

func statusProto(st emitz.Status) *tracepb.Status {
	switch st.Code {
	case codes.Error:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: st.Description}
	case codes.Ok:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
	default:
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET}
	}
}

// ResourceLogs wraps records in a single resource and scope.
func ResourceLogs(res *resourcepb.Resource, records []emitz.LogRecord) (*logspb.ResourceLogs, error) {
	out := make([]*logspb.LogRecord, 0, len(records))
	for i := range records {
		r, err := LogRecordProto(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return &logspb.ResourceLogs{
		Resource: res,
		ScopeLogs: []*logspb.ScopeLogs{{
			Scope:      scope,
			LogRecords: out,
		}},
		SchemaUrl: semconv.SchemaURL,
	}, nil
}

// LogRecordProto converts one log record. Trace and span IDs are left empty
// when the record is not correlated.
func LogRecordProto(r *emitz.LogRecord) (*logspb.LogRecord, error) {
	out := &logspb.LogRecord{
		TimeUnixNano:         unixNano(r.Timestamp),
		ObservedTimeUnixNano: unixNano(r.Timestamp),
		SeverityNumber:       Severity(r.Level),
		SeverityText:         r.Level.String(),
		Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: r.Message}},
		Attributes:           KeyValues(r.Attributes),
	}
	if !r.Correlated() {
		return out, nil
	}

	tid, err := trace.TraceIDFromHex(r.TraceID)
	if err != nil {
		return nil, fmt.Errorf("%w: log trace id: %w", emitz.ErrSerialization, err)
	}
	sid, err := trace.SpanIDFromHex(r.SpanID)
	if err != nil {
		return nil, fmt.Errorf("%w: log span id: %w", emitz.ErrSerialization, err)
	}
	out.TraceId = tid[:]
	out.SpanId = sid[:]
	out.Flags = uint32(trace.FlagsSampled)
	return out, nil
}

// Severity maps a slog level onto the OTLP severity range. slog levels are
// four apart, as are the OTLP ranges, so DEBUG is 5, INFO 9, WARN 13 and
// ERROR 17, with intermediate levels landing inside the ranges.
func Severity(level slog.Level) logspb.SeverityNumber {
	n := int(level) + int(logspb.SeverityNumber_SEVERITY_NUMBER_INFO)
	switch {
	case n < int(logspb.SeverityNumber_SEVERITY_NUMBER_TRACE):
		n = int(logspb.SeverityNumber_SEVERITY_NUMBER_TRACE)
	case n > int(logspb.SeverityNumber_SEVERITY_NUMBER_FATAL4):
		n = int(logspb.SeverityNumber_SEVERITY_NUMBER_FATAL4)
	}
	return logspb.SeverityNumber(n) //nolint:gosec // clamped to the enum range
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano()) //nolint:gosec // timestamps are after the epoch
}
