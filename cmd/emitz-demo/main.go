package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/zoobzio/emitz"
	"github.com/zoobzio/emitz/otlp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"gopkg.in/yaml.v3"
)

var ResourceVersion = "dev"

type Options struct {
	Service struct {
		Name        string `long:"service" description:"service.name reported on every span and log" default:"emitz-demo"`
		Environment string `long:"environment" description:"deployment.environment" default:"demo" yaml:",omitempty"`
		Namespace   string `long:"namespace" description:"service.namespace" yaml:",omitempty"`
		Team        string `long:"team" description:"owning team" yaml:",omitempty"`
		Listen      string `long:"listen" description:"address the demo HTTP server listens on" default:":5000"`
	} `group:"Service Options"`
	Telemetry struct {
		Host     string            `long:"host" description:"the collector receiving spans (or local)" default:"local"`
		LogHost  string            `long:"loghost" description:"the collector receiving logs over OTLP/HTTP, if different from host" yaml:",omitempty"`
		Insecure bool              `long:"insecure" description:"use this for insecure http (not https) connections" yaml:",omitempty"`
		Headers  map[string]string `long:"header" description:"header sent with every export, as key:value(*)" yaml:"-"`
	} `group:"Telemetry Options"`
	Output struct {
		Sender      string        `long:"sender" description:"type of sender" choice:"otel" choice:"print" choice:"dummy" default:"otel"`
		Protocol    string        `long:"protocol" description:"for otel only, protocol used for spans" choice:"grpc" choice:"http" default:"grpc"`
		ExportLevel string        `long:"exportlevel" description:"minimum level of logs sent to the collector" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"info"`
		Timeout     time.Duration `long:"timeout" description:"for otel only, per-request timeout" default:"10s" yaml:",omitempty"`
	} `group:"Output Options"`
	Global struct {
		Config   string `long:"config" description:"name of config file to load(*)" default:"" yaml:"-"`
		WriteCfg string `long:"writecfg" description:"write effective YAML config to the specified output file and quit(*)" default:"" yaml:"-"`
	} `group:"Global Options"`
	Batching struct {
		Spans emitz.BatchConfig `yaml:"spans"`
		Logs  emitz.BatchConfig `yaml:"logs"`
	} `yaml:"batching" no-flag:"true"`
}

func newOptions() *Options {
	opts := &Options{}
	opts.Batching.Spans = emitz.DefaultBatchConfig()
	opts.Batching.Logs = emitz.DefaultBatchConfig()
	return opts
}

func (o *Options) CopyStarredFieldsFrom(other *Options) {
	o.Telemetry.Headers = other.Telemetry.Headers
	o.Global.Config = other.Global.Config
	o.Global.WriteCfg = other.Global.WriteCfg
}

func (o *Options) exportLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.Output.ExportLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// pipelineConfig builds the emitz configuration from the options, then lets
// the standard OTEL_* variables override it.
func (o *Options) pipelineConfig() (emitz.Config, error) {
	cfg := emitz.DefaultConfig()
	cfg.Resource = emitz.Resource{
		ServiceName: o.Service.Name,
		Environment: o.Service.Environment,
		Namespace:   o.Service.Namespace,
		Version:     ResourceVersion,
		Team:        o.Service.Team,
	}
	cfg.Spans = o.Batching.Spans
	cfg.Logs = o.Batching.Logs
	cfg.LogExportLevel = o.exportLevel()
	return emitz.ConfigFromEnv(cfg)
}

func ReadConfig(opts *Options, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(opts); err != nil {
		return err
	}
	log.Printf("read config from %s\n", filename)
	return nil
}

func WriteConfig(opts *Options, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := yaml.NewEncoder(f).Encode(opts); err != nil {
		return err
	}
	log.Printf("wrote config to %s\n", filename)
	return nil
}

// newExporters returns the span and log exporters for the chosen sender.
func newExporters(opts *Options, res emitz.Resource) (emitz.Exporter[emitz.Span], emitz.Exporter[emitz.LogRecord], error) {
	switch opts.Output.Sender {
	case "print":
		return emitz.NewWriterExporter[emitz.Span](os.Stderr).WithResource(res),
			emitz.NewWriterExporter[emitz.LogRecord](os.Stderr).WithResource(res), nil
	case "dummy":
		return &emitz.DiscardExporter[emitz.Span]{}, &emitz.DiscardExporter[emitz.LogRecord]{}, nil
	case "otel":
	default:
		return nil, nil, fmt.Errorf("unknown sender %q", opts.Output.Sender)
	}

	port := otlp.DefaultGRPCPort
	if opts.Output.Protocol == "http" {
		port = otlp.DefaultHTTPPort
	}
	spanURL, err := otlp.ParseEndpoint(opts.Telemetry.Host, opts.Telemetry.Insecure, port)
	if err != nil {
		return nil, nil, err
	}
	spanOpts := otlp.OptionsFromURL(spanURL)
	spanOpts.Headers = opts.Telemetry.Headers
	spanOpts.Timeout = opts.Output.Timeout

	var client otlptrace.Client
	if opts.Output.Protocol == "http" {
		client = otlp.NewHTTPTraceClient(spanOpts)
	} else {
		client = otlp.NewGRPCTraceClient(spanOpts)
	}

	logHost := opts.Telemetry.LogHost
	if logHost == "" {
		logHost = opts.Telemetry.Host
		if opts.Output.Protocol == "grpc" {
			// Logs always travel over OTLP/HTTP on the span host.
			logHost = spanURL.Scheme + "://" + spanURL.Hostname()
		}
	}
	logURL, err := otlp.ParseEndpoint(logHost, opts.Telemetry.Insecure, otlp.DefaultHTTPPort)
	if err != nil {
		return nil, nil, err
	}
	logOpts := otlp.OptionsFromURL(logURL)
	logOpts.Headers = opts.Telemetry.Headers
	logOpts.Timeout = opts.Output.Timeout

	logs, err := otlp.NewLogExporter(res, logOpts)
	if err != nil {
		return nil, nil, err
	}
	return otlp.NewSpanExporter(res, client), logs, nil
}

func main() {
	cmdopts := newOptions()

	parser := flags.NewParser(cmdopts, flags.Default)
	parser.Usage = `[OPTIONS]

	emitz-demo runs a small HTTP service instrumented with emitz. Every request
	produces a span tree and trace-correlated logs. Logs are written as JSON lines
	to stdout and, together with the spans, exported in batches to an OpenTelemetry
	collector.

	Endpoints: /, /hello/{name}, /slow, /error, /process.

	Batch settings can be given in the config file under "batching", or through
	the standard OTEL_BSP_* and OTEL_BLRP_* environment variables.

	Options marked with (*) CANNOT be set in the config file.
	`

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("error reading command line: %v", err)
	}

	opts := newOptions()
	if cmdopts.Global.Config != "" {
		if err := ReadConfig(opts, cmdopts.Global.Config); err != nil {
			log.Fatalf("err %v -- unable to read config file %s", err, cmdopts.Global.Config)
		}
		opts.CopyStarredFieldsFrom(cmdopts)
	} else {
		opts = cmdopts
	}

	if opts.Global.WriteCfg != "" {
		if err := WriteConfig(opts, opts.Global.WriteCfg); err != nil {
			log.Fatalf("unable to write config: %s\n", err)
		}
		os.Exit(0)
	}

	cfg, err := opts.pipelineConfig()
	if err != nil {
		log.Fatalf("invalid pipeline config: %v", err)
	}
	spanExporter, logExporter, err := newExporters(opts, cfg.Resource)
	if err != nil {
		log.Fatalf("unable to create exporters: %v", err)
	}

	pipeline, err := emitz.New(cfg, spanExporter, logExporter)
	if err != nil {
		log.Fatalf("unable to create pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The flush loops run until Shutdown, not until the signal, so batches
	// in flight when it arrives still complete.
	if err := pipeline.Start(context.Background()); err != nil {
		log.Fatalf("unable to start pipeline: %v", err)
	}
	slog.SetDefault(slog.New(pipeline.Logger().Handler()))

	srv := &http.Server{
		Addr:              opts.Service.Listen,
		Handler:           newServer(pipeline, propagation.TraceContext{}).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("demo service starting", "listen", opts.Service.Listen, "sender", opts.Output.Sender)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "error", err)
	}
	// The pipeline gets its own budget; requests drained above may have
	// produced the last spans.
	if err := pipeline.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		os.Exit(1)
	}
}
