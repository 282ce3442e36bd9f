package integration

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"

	"github.com/zoobzio/emitz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

func spanByName(spans []*tracepb.Span, name string) *tracepb.Span {
	for _, s := range spans {
		if s.GetName() == name {
			return s
		}
	}
	return nil
}

func logByBody(logs []*logspb.LogRecord, body string) *logspb.LogRecord {
	for _, l := range logs {
		if l.GetBody().GetStringValue() == body {
			return l
		}
	}
	return nil
}

// TestCorrelationReachesCollector runs a request through the whole pipeline
// and checks spans and logs arrive at the collector sharing identifiers.
func TestCorrelationReachesCollector(t *testing.T) {
	for _, transport := range []Transport{HTTP, GRPC} {
		t.Run(string(transport), func(t *testing.T) {
			collector := NewCollector(t)
			p, out := NewPipeline(t, collector, transport, TestConfig())

			ctx := context.Background()
			_ = p.Tracer().InSpan(ctx, "GET /orders", func(ctx context.Context, req *emitz.ActiveSpan) error {
				req.SetAttributes(attribute.String("http.method", "GET"))
				p.Logger().Info(ctx, "request received")

				return p.Tracer().InSpan(ctx, "db.query", func(ctx context.Context, _ *emitz.ActiveSpan) error {
					p.Logger().Error(ctx, "query failed", attribute.String("db.table", "orders"))
					return errors.New("connection reset")
				})
			})
			p.Logger().Info(ctx, "outside any span")

			if err := p.Shutdown(context.Background()); err != nil {
				t.Fatalf("Shutdown failed: %v", err)
			}

			spans := collector.Spans()
			logs := collector.Logs()
			if len(spans) != 2 || len(logs) != 3 {
				t.Fatalf("Expected 2 spans and 3 logs at the collector, got %d and %d", len(spans), len(logs))
			}

			root := spanByName(spans, "GET /orders")
			query := spanByName(spans, "db.query")
			if root == nil || query == nil {
				t.Fatal("Missing spans at the collector")
			}
			if len(root.GetParentSpanId()) != 0 {
				t.Error("Expected root span without parent")
			}
			if !equalBytes(query.GetParentSpanId(), root.GetSpanId()) || !equalBytes(query.GetTraceId(), root.GetTraceId()) {
				t.Error("Expected db.query to be a child of the request span")
			}
			if query.GetStatus().GetCode() != tracepb.Status_STATUS_CODE_ERROR {
				t.Errorf("Expected error status on db.query, got %v", query.GetStatus().GetCode())
			}

			received := logByBody(logs, "request received")
			failed := logByBody(logs, "query failed")
			outside := logByBody(logs, "outside any span")
			if received == nil || failed == nil || outside == nil {
				t.Fatal("Missing logs at the collector")
			}
			if !equalBytes(received.GetSpanId(), root.GetSpanId()) || !equalBytes(failed.GetSpanId(), query.GetSpanId()) {
				t.Error("Expected each log to carry the span active when it was emitted")
			}
			if !equalBytes(failed.GetTraceId(), root.GetTraceId()) {
				t.Error("Expected logs to share the trace id")
			}
			if len(outside.GetTraceId()) != 0 || len(outside.GetSpanId()) != 0 {
				t.Error("Expected uncorrelated log without ids")
			}
			if failed.GetSeverityNumber() != logspb.SeverityNumber_SEVERITY_NUMBER_ERROR {
				t.Errorf("Expected ERROR severity, got %v", failed.GetSeverityNumber())
			}

			for _, res := range collector.Resources() {
				if !hasAttr(res.GetAttributes(), "service.name", "integration") {
					t.Error("Expected service.name on every request resource")
				}
			}

			// The local sink saw every record, correlated or not.
			for _, msg := range []string{"request received", "query failed", "outside any span"} {
				if !contains(out.String(), msg) {
					t.Errorf("Expected %q on the local sink", msg)
				}
			}
		})
	}
}

// TestIncomingTraceContinued checks a W3C traceparent becomes the remote
// parent of the first local span.
func TestIncomingTraceContinued(t *testing.T) {
	collector := NewCollector(t)
	p, _ := NewPipeline(t, collector, HTTP, TestConfig())

	header := http.Header{}
	header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := propagation.TraceContext{}.Extract(context.Background(), propagation.HeaderCarrier(header))

	p.Logger().Info(ctx, "before any local span")
	ctx, span := p.Tracer().Start(ctx, "handle")
	p.Logger().Info(ctx, "inside")
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	spans := collector.Spans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if got := hex.EncodeToString(spans[0].GetTraceId()); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("Expected incoming trace id, got %s", got)
	}
	if got := hex.EncodeToString(spans[0].GetParentSpanId()); got != "00f067aa0ba902b7" {
		t.Errorf("Expected incoming span as parent, got %s", got)
	}

	before := logByBody(collector.Logs(), "before any local span")
	if before == nil {
		t.Fatal("Missing log")
	}
	if got := hex.EncodeToString(before.GetSpanId()); got != "00f067aa0ba902b7" {
		t.Errorf("Expected log correlated with the remote span, got %s", got)
	}
}

func equalBytes(a, b []byte) bool {
	return len(a) > 0 && hex.EncodeToString(a) == hex.EncodeToString(b)
}
