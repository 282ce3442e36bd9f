package main

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/emitz"
	"github.com/zoobzio/emitz/otlp"
)

func parseArgs(t *testing.T, args ...string) *Options {
	t.Helper()
	opts := newOptions()
	_, err := flags.NewParser(opts, flags.Default).ParseArgs(args)
	require.NoError(t, err)
	return opts
}

func TestOptionsDefaults(t *testing.T) {
	opts := parseArgs(t)

	assert.Equal(t, "emitz-demo", opts.Service.Name)
	assert.Equal(t, "otel", opts.Output.Sender)
	assert.Equal(t, "grpc", opts.Output.Protocol)
	assert.Equal(t, slog.LevelInfo, opts.exportLevel())
	assert.Equal(t, emitz.DefaultBatchConfig(), opts.Batching.Spans)
}

func TestPipelineConfig(t *testing.T) {
	t.Setenv("OTEL_BLRP_SCHEDULE_DELAY", "250")
	opts := parseArgs(t, "--service=checkout", "--team=payments", "--exportlevel=warn")

	cfg, err := opts.pipelineConfig()
	require.NoError(t, err)

	assert.Equal(t, "checkout", cfg.Resource.ServiceName)
	assert.Equal(t, "payments", cfg.Resource.Team)
	assert.Equal(t, ResourceVersion, cfg.Resource.Version)
	assert.Equal(t, slog.LevelWarn, cfg.LogExportLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.Logs.FlushInterval)
	assert.Equal(t, emitz.DefaultFlushInterval, cfg.Spans.FlushInterval)
}

func TestConfigFileRoundTrip(t *testing.T) {
	opts := parseArgs(t, "--service=checkout", "--sender=print", "--header=x-api-key:secret")
	opts.Batching.Spans.MaxBatchSize = 10

	path := filepath.Join(t.TempDir(), "demo.yml")
	require.NoError(t, WriteConfig(opts, path))

	loaded := newOptions()
	require.NoError(t, ReadConfig(loaded, path))

	assert.Equal(t, "checkout", loaded.Service.Name)
	assert.Equal(t, "print", loaded.Output.Sender)
	assert.Equal(t, 10, loaded.Batching.Spans.MaxBatchSize)
	assert.Equal(t, emitz.DefaultFlushInterval, loaded.Batching.Logs.FlushInterval)
	assert.Empty(t, loaded.Telemetry.Headers, "headers are never written to the config file")

	loaded.CopyStarredFieldsFrom(opts)
	assert.Equal(t, "secret", loaded.Telemetry.Headers["x-api-key"])
}

func TestNewExporters(t *testing.T) {
	res := emitz.Resource{ServiceName: "checkout"}

	t.Run("print", func(t *testing.T) {
		spans, logs, err := newExporters(parseArgs(t, "--sender=print"), res)
		require.NoError(t, err)
		assert.IsType(t, &emitz.WriterExporter[emitz.Span]{}, spans)
		assert.IsType(t, &emitz.WriterExporter[emitz.LogRecord]{}, logs)
	})

	t.Run("dummy", func(t *testing.T) {
		spans, logs, err := newExporters(parseArgs(t, "--sender=dummy"), res)
		require.NoError(t, err)
		assert.IsType(t, &emitz.DiscardExporter[emitz.Span]{}, spans)
		assert.IsType(t, &emitz.DiscardExporter[emitz.LogRecord]{}, logs)
	})

	t.Run("otel grpc sends logs over http", func(t *testing.T) {
		spans, logs, err := newExporters(parseArgs(t, "--host=local"), res)
		require.NoError(t, err)
		assert.IsType(t, &otlp.SpanExporter{}, spans)
		require.IsType(t, &otlp.LogExporter{}, logs)
		assert.Equal(t, "http://localhost:4318/v1/logs", logs.(*otlp.LogExporter).URL())
	})

	t.Run("otel separate log host", func(t *testing.T) {
		_, logs, err := newExporters(parseArgs(t, "--protocol=http", "--host=collector.internal", "--loghost=logs.internal:9000"), res)
		require.NoError(t, err)
		assert.Equal(t, "https://logs.internal:9000/v1/logs", logs.(*otlp.LogExporter).URL())
	})

	t.Run("unknown sender", func(t *testing.T) {
		opts := newOptions()
		opts.Output.Sender = "carrier-pigeon"
		_, _, err := newExporters(opts, res)
		assert.Error(t, err)
	})
}
