package emitz

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/metric"
)

// Batch defaults. They match the schedule delay and batch size the OTLP
// processors are usually tuned to for fast visibility in test environments.
const (
	DefaultFlushInterval   = 5 * time.Second
	DefaultMaxBatchSize    = 50
	DefaultMaxQueueSize    = 2048
	DefaultExportTimeout   = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// BatchConfig controls one Buffer and its Scheduler.
type BatchConfig struct {
	// FlushInterval caps worst-case export latency.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxBatchSize caps per-export payload and memory. Reaching it triggers
	// an export without waiting for FlushInterval.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxQueueSize is the Buffer capacity. Records beyond it displace the
	// oldest buffered ones.
	MaxQueueSize int `yaml:"max_queue_size"`

	// ExportTimeout bounds a single Export call.
	ExportTimeout time.Duration `yaml:"export_timeout"`
}

// DefaultBatchConfig returns the default batch settings.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		FlushInterval: DefaultFlushInterval,
		MaxBatchSize:  DefaultMaxBatchSize,
		MaxQueueSize:  DefaultMaxQueueSize,
		ExportTimeout: DefaultExportTimeout,
	}
}

// Validate checks the batch settings are usable.
func (c BatchConfig) Validate() error {
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive, got %d", c.MaxBatchSize)
	}
	if c.MaxQueueSize < c.MaxBatchSize {
		return fmt.Errorf("max_queue_size (%d) must be at least max_batch_size (%d)", c.MaxQueueSize, c.MaxBatchSize)
	}
	if c.ExportTimeout <= 0 {
		return fmt.Errorf("export_timeout must be positive, got %s", c.ExportTimeout)
	}
	return nil
}

// Config holds the settings for a Pipeline. Span and log batching are
// configured independently.
type Config struct {
	Resource Resource    `yaml:"resource"`
	Spans    BatchConfig `yaml:"spans"`
	Logs     BatchConfig `yaml:"logs"`

	// LogExportLevel is the minimum level enqueued for export. Every record
	// reaches the local sink regardless.
	LogExportLevel slog.Level `yaml:"log_export_level"`

	// ShutdownTimeout bounds the final flush when Shutdown is given a
	// context without a deadline.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Clock provides time for spans, logs and flush timers. Nil means
	// clockz.RealClock.
	Clock clockz.Clock `yaml:"-"`

	// Sink is the local line-oriented sink. Nil means JSON lines on stdout.
	Sink slog.Handler `yaml:"-"`

	// MeterProvider receives the pipeline's own gauges. Nil means the
	// global provider.
	MeterProvider metric.MeterProvider `yaml:"-"`

	// Strict makes span misuse panic. Intended for tests.
	Strict bool `yaml:"-"`
}

// DefaultConfig returns a Config with default batching for both streams.
// The Resource still needs a service name.
func DefaultConfig() Config {
	return Config{
		Spans:           DefaultBatchConfig(),
		Logs:            DefaultBatchConfig(),
		LogExportLevel:  slog.LevelInfo,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if err := c.Resource.Validate(); err != nil {
		return err
	}
	if err := c.Spans.Validate(); err != nil {
		return fmt.Errorf("emitz: spans: %w", err)
	}
	if err := c.Logs.Validate(); err != nil {
		return fmt.Errorf("emitz: logs: %w", err)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("emitz: shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// ConfigFromEnv overlays the standard OpenTelemetry batch processor
// variables onto base. Durations are in milliseconds. Unparseable values
// keep the base setting.
//
//	OTEL_BSP_SCHEDULE_DELAY, OTEL_BSP_EXPORT_TIMEOUT,
//	OTEL_BSP_MAX_QUEUE_SIZE, OTEL_BSP_MAX_EXPORT_BATCH_SIZE
//	OTEL_BLRP_SCHEDULE_DELAY, OTEL_BLRP_EXPORT_TIMEOUT,
//	OTEL_BLRP_MAX_QUEUE_SIZE, OTEL_BLRP_MAX_EXPORT_BATCH_SIZE
//
// OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES override Resource fields.
func ConfigFromEnv(base Config) (Config, error) {
	cfg := base
	cfg.Spans = batchFromEnv("OTEL_BSP", base.Spans)
	cfg.Logs = batchFromEnv("OTEL_BLRP", base.Logs)
	cfg.Resource = ResourceFromEnvironment(base.Resource)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func batchFromEnv(prefix string, base BatchConfig) BatchConfig {
	return BatchConfig{
		FlushInterval: envMillis(prefix+"_SCHEDULE_DELAY", base.FlushInterval),
		ExportTimeout: envMillis(prefix+"_EXPORT_TIMEOUT", base.ExportTimeout),
		MaxQueueSize:  envInt(prefix+"_MAX_QUEUE_SIZE", base.MaxQueueSize),
		MaxBatchSize:  envInt(prefix+"_MAX_EXPORT_BATCH_SIZE", base.MaxBatchSize),
	}
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envMillis(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultVal
}
