package emitz

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestHandlerCorrelates(t *testing.T) {
	tracer, _, _ := newTestTracer()
	defer tracer.Close()
	logger, logs, out := newTestLogger()
	log := slog.New(logger.Handler())

	ctx, span := tracer.Start(context.Background(), "job")
	log.InfoContext(ctx, "cache miss", "key", "user:42", "attempt", 2)
	span.End()

	r := drainLogs(logs)[0]
	if r.Message != "cache miss" {
		t.Errorf("Expected message, got %q", r.Message)
	}
	if r.SpanID != span.span.SpanID {
		t.Errorf("Expected correlation through slog, got %q", r.SpanID)
	}
	if r.Attributes["key"].AsString() != "user:42" || r.Attributes["attempt"].AsInt64() != 2 {
		t.Errorf("Unexpected attributes %v", r.Attributes)
	}
	if n := len(sinkLines(t, out)); n != 1 {
		t.Errorf("Expected one sink line, got %d", n)
	}
}

func TestHandlerGroupsFlattened(t *testing.T) {
	logger, logs, _ := newTestLogger()
	log := slog.New(logger.Handler()).
		With("component", "worker").
		WithGroup("job").
		With("id", 7)

	log.Info("done",
		slog.Group("result", slog.Int("rows", 3), slog.Duration("took", 2*time.Second)),
		slog.Any("err", errors.New("partial")),
	)

	attrs := drainLogs(logs)[0].Attributes
	want := map[string]string{
		"component":       "worker",
		"job.result.took": "2s",
		"job.err":         "partial",
	}
	for k, v := range want {
		if got := attrs[k].AsString(); got != v {
			t.Errorf("Attribute %s = %q, want %q", k, got, v)
		}
	}
	if attrs["job.id"].AsInt64() != 7 {
		t.Errorf("Expected job.id 7, got %v", attrs["job.id"])
	}
	if attrs["job.result.rows"].AsInt64() != 3 {
		t.Errorf("Expected job.result.rows 3, got %v", attrs["job.result.rows"])
	}
}

func TestHandlerEnabledForAllLevels(t *testing.T) {
	logger, logs, out := newTestLogger()
	h := logger.Handler()

	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected handler enabled at debug")
	}

	slog.New(h).Debug("verbose")
	if logs.Len() != 0 {
		t.Error("Expected debug held back from export")
	}
	if n := len(sinkLines(t, out)); n != 1 {
		t.Errorf("Expected debug on sink, got %d lines", n)
	}
}

func TestHandlerEmptyGroupIgnored(t *testing.T) {
	logger, logs, _ := newTestLogger()

	slog.New(logger.Handler().WithGroup("")).Info("x", slog.Group("empty"))

	if attrs := drainLogs(logs)[0].Attributes; len(attrs) != 0 {
		t.Errorf("Expected no attributes, got %v", attrs)
	}
}
