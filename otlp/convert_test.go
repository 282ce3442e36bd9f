package otlp_test

import (
	"encoding/hex"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/zoobzio/emitz"
	"github.com/zoobzio/emitz/otlp"
)

const (
	testTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	testSpanID  = "00f067aa0ba902b7"
	testParent  = "b7ad6b7169203331"
)

func testResource() emitz.Resource {
	return emitz.Resource{
		ServiceName: "checkout",
		Environment: "test",
		Team:        "payments",
	}
}

func TestResourceProto(t *testing.T) {
	res := otlp.ResourceProto(testResource())

	got := map[string]string{}
	for _, kv := range res.GetAttributes() {
		got[kv.GetKey()] = kv.GetValue().GetStringValue()
	}
	assert.Equal(t, map[string]string{
		"service.name":           "checkout",
		"deployment.environment": "test",
		"team":                   "payments",
	}, got)
	assert.Equal(t, "service.name", res.GetAttributes()[0].GetKey())
}

func TestAnyValue(t *testing.T) {
	assert.True(t, otlp.AnyValue(attribute.BoolValue(true)).GetBoolValue())
	assert.Equal(t, int64(42), otlp.AnyValue(attribute.Int64Value(42)).GetIntValue())
	assert.InDelta(t, 1.5, otlp.AnyValue(attribute.Float64Value(1.5)).GetDoubleValue(), 0)
	assert.Equal(t, "x", otlp.AnyValue(attribute.StringValue("x")).GetStringValue())
}

func TestSpanProto(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	span := emitz.Span{
		TraceID:   testTraceID,
		SpanID:    testSpanID,
		ParentID:  testParent,
		Name:      "db.query",
		StartTime: start,
		EndTime:   start.Add(15 * time.Millisecond),
		Attributes: emitz.Attributes{
			"db.rows":   attribute.Int64Value(3),
			"db.system": attribute.StringValue("postgres"),
		},
		Status: emitz.Status{Code: codes.Error, Description: "timeout"},
	}

	pb, err := otlp.SpanProto(&span)
	require.NoError(t, err)

	assert.Equal(t, testTraceID, hex.EncodeToString(pb.GetTraceId()))
	assert.Len(t, pb.GetTraceId(), 16)
	assert.Equal(t, testSpanID, hex.EncodeToString(pb.GetSpanId()))
	assert.Len(t, pb.GetSpanId(), 8)
	assert.Equal(t, testParent, hex.EncodeToString(pb.GetParentSpanId()))
	assert.Equal(t, "db.query", pb.GetName())
	assert.Equal(t, uint64(start.UnixNano()), pb.GetStartTimeUnixNano())
	assert.Equal(t, uint64(start.Add(15*time.Millisecond).UnixNano()), pb.GetEndTimeUnixNano())
	assert.Equal(t, tracepb.Status_STATUS_CODE_ERROR, pb.GetStatus().GetCode())
	assert.Equal(t, "timeout", pb.GetStatus().GetMessage())

	require.Len(t, pb.GetAttributes(), 2)
	assert.Equal(t, "db.rows", pb.GetAttributes()[0].GetKey())
	assert.Equal(t, "db.system", pb.GetAttributes()[1].GetKey())
}

func TestSpanProto_Root(t *testing.T) {
	span := emitz.Span{TraceID: testTraceID, SpanID: testSpanID, Name: "root"}

	pb, err := otlp.SpanProto(&span)
	require.NoError(t, err)
	assert.Empty(t, pb.GetParentSpanId())
	assert.Equal(t, tracepb.Status_STATUS_CODE_UNSET, pb.GetStatus().GetCode())
}

func TestSpanProto_InvalidID(t *testing.T) {
	span := emitz.Span{TraceID: "not-hex", SpanID: testSpanID, Name: "bad"}

	_, err := otlp.SpanProto(&span)
	require.ErrorIs(t, err, emitz.ErrSerialization)
	assert.Equal(t, "serialization", emitz.FailureReason(err))
}

func TestResourceSpans(t *testing.T) {
	spans := []emitz.Span{
		{TraceID: testTraceID, SpanID: testSpanID, Name: "a"},
		{TraceID: testTraceID, SpanID: testParent, Name: "b"},
	}

	rs, err := otlp.ResourceSpans(otlp.ResourceProto(testResource()), spans)
	require.NoError(t, err)
	require.Len(t, rs.GetScopeSpans(), 1)
	assert.Equal(t, emitz.ScopeName, rs.GetScopeSpans()[0].GetScope().GetName())
	require.Len(t, rs.GetScopeSpans()[0].GetSpans(), 2)
	assert.Equal(t, "a", rs.GetScopeSpans()[0].GetSpans()[0].GetName())
}

func TestLogRecordProto_Correlated(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	record := emitz.LogRecord{
		Timestamp:  ts,
		Level:      slog.LevelWarn,
		Message:    "slow query",
		TraceID:    testTraceID,
		SpanID:     testSpanID,
		Attributes: emitz.Attributes{"http.method": attribute.StringValue("GET")},
	}

	pb, err := otlp.LogRecordProto(&record)
	require.NoError(t, err)
	assert.Equal(t, "slow query", pb.GetBody().GetStringValue())
	assert.Equal(t, logspb.SeverityNumber_SEVERITY_NUMBER_WARN, pb.GetSeverityNumber())
	assert.Equal(t, "WARN", pb.GetSeverityText())
	assert.Equal(t, testTraceID, hex.EncodeToString(pb.GetTraceId()))
	assert.Equal(t, testSpanID, hex.EncodeToString(pb.GetSpanId()))
	assert.Equal(t, uint64(ts.UnixNano()), pb.GetTimeUnixNano())
	require.Len(t, pb.GetAttributes(), 1)
}

func TestLogRecordProto_Uncorrelated(t *testing.T) {
	record := emitz.LogRecord{Level: slog.LevelInfo, Message: "startup"}

	pb, err := otlp.LogRecordProto(&record)
	require.NoError(t, err)
	assert.Empty(t, pb.GetTraceId())
	assert.Empty(t, pb.GetSpanId())
	assert.Zero(t, pb.GetFlags())
}

func TestLogRecordProto_InvalidID(t *testing.T) {
	record := emitz.LogRecord{Message: "x", TraceID: testTraceID, SpanID: "zz"}

	_, err := otlp.LogRecordProto(&record)
	require.ErrorIs(t, err, emitz.ErrSerialization)
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, logspb.SeverityNumber(5), otlp.Severity(slog.LevelDebug))
	assert.Equal(t, logspb.SeverityNumber(9), otlp.Severity(slog.LevelInfo))
	assert.Equal(t, logspb.SeverityNumber(13), otlp.Severity(slog.LevelWarn))
	assert.Equal(t, logspb.SeverityNumber(17), otlp.Severity(slog.LevelError))
	assert.Equal(t, logspb.SeverityNumber_SEVERITY_NUMBER_TRACE, otlp.Severity(slog.Level(-100)))
	assert.Equal(t, logspb.SeverityNumber_SEVERITY_NUMBER_FATAL4, otlp.Severity(slog.Level(100)))
}
