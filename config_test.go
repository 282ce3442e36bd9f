package emitz

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Resource = Resource{ServiceName: "checkout"}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	for name, b := range map[string]BatchConfig{"spans": cfg.Spans, "logs": cfg.Logs} {
		if b.FlushInterval != 5*time.Second || b.MaxBatchSize != 50 || b.MaxQueueSize != 2048 || b.ExportTimeout != 30*time.Second {
			t.Errorf("Unexpected %s defaults %+v", name, b)
		}
	}
	if cfg.LogExportLevel != slog.LevelInfo {
		t.Errorf("Expected Info export level, got %v", cfg.LogExportLevel)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("Expected default shutdown timeout, got %v", cfg.ShutdownTimeout)
	}

	if err := cfg.Validate(); err != ErrNoServiceName {
		t.Errorf("Expected ErrNoServiceName for default config, got %v", err)
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero interval", func(c *Config) { c.Spans.FlushInterval = 0 }, "spans: flush_interval"},
		{"zero batch", func(c *Config) { c.Logs.MaxBatchSize = 0 }, "logs: max_batch_size"},
		{"queue below batch", func(c *Config) { c.Spans.MaxQueueSize = 10 }, "max_queue_size"},
		{"zero export timeout", func(c *Config) { c.Logs.ExportTimeout = 0 }, "export_timeout"},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_BSP_SCHEDULE_DELAY", "1000")
	t.Setenv("OTEL_BSP_MAX_EXPORT_BATCH_SIZE", "25")
	t.Setenv("OTEL_BLRP_EXPORT_TIMEOUT", "2500")
	t.Setenv("OTEL_BLRP_MAX_QUEUE_SIZE", "not-a-number")
	t.Setenv("OTEL_SERVICE_NAME", "from-env")

	cfg, err := ConfigFromEnv(validConfig())
	if err != nil {
		t.Fatalf("ConfigFromEnv failed: %v", err)
	}

	if cfg.Spans.FlushInterval != time.Second {
		t.Errorf("Expected 1s span flush interval, got %v", cfg.Spans.FlushInterval)
	}
	if cfg.Spans.MaxBatchSize != 25 {
		t.Errorf("Expected span batch size 25, got %d", cfg.Spans.MaxBatchSize)
	}
	if cfg.Logs.ExportTimeout != 2500*time.Millisecond {
		t.Errorf("Expected 2.5s log export timeout, got %v", cfg.Logs.ExportTimeout)
	}
	if cfg.Logs.MaxQueueSize != DefaultMaxQueueSize {
		t.Errorf("Expected unparseable value to keep default, got %d", cfg.Logs.MaxQueueSize)
	}
	if cfg.Logs.FlushInterval != DefaultFlushInterval {
		t.Errorf("Expected log settings independent of span settings, got %v", cfg.Logs.FlushInterval)
	}
	if cfg.Resource.ServiceName != "from-env" {
		t.Errorf("Expected service name from env, got %s", cfg.Resource.ServiceName)
	}
}

func TestConfigFromEnvInvalid(t *testing.T) {
	t.Setenv("OTEL_BSP_MAX_QUEUE_SIZE", "5")

	if _, err := ConfigFromEnv(validConfig()); err == nil {
		t.Error("Expected queue smaller than batch to be rejected")
	}
}
