package integration

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/zoobzio/emitz"
	"github.com/zoobzio/emitz/otlp"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// Collector is an in-process OTLP collector. It accepts traces and logs over
// HTTP and traces over gRPC, and keeps everything it receives.
//
//nolint:govet // Field alignment optimized for test helper readability
type Collector struct {
	coltracepb.UnimplementedTraceServiceServer

	httpServer *httptest.Server
	grpcServer *grpc.Server
	grpcAddr   string

	mu        sync.Mutex
	spans     []*tracepb.Span
	logs      []*logspb.LogRecord
	resources []*resourcepb.Resource
	delay     time.Duration
}

// NewCollector starts a collector that is stopped when the test ends.
func NewCollector(t *testing.T) *Collector {
	t.Helper()
	c := &Collector{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/traces", c.handleTraces)
	mux.HandleFunc("POST "+otlp.LogsPath, c.handleLogs)
	c.httpServer = httptest.NewServer(mux)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen for gRPC: %v", err)
	}
	c.grpcAddr = lis.Addr().String()
	c.grpcServer = grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(c.grpcServer, c)
	go func() {
		_ = c.grpcServer.Serve(lis)
	}()

	t.Cleanup(func() {
		c.grpcServer.Stop()
		c.httpServer.Close()
	})
	return c
}

// SetDelay makes every request wait before it is answered.
func (c *Collector) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// HTTPOptions returns connection options for the HTTP endpoint.
func (c *Collector) HTTPOptions() otlp.Options {
	return otlp.Options{
		Endpoint:    strings.TrimPrefix(c.httpServer.URL, "http://"),
		Insecure:    true,
		Compression: true,
		Timeout:     5 * time.Second,
	}
}

// GRPCOptions returns connection options for the gRPC endpoint.
func (c *Collector) GRPCOptions() otlp.Options {
	return otlp.Options{
		Endpoint:    c.grpcAddr,
		Insecure:    true,
		Compression: true,
		Timeout:     5 * time.Second,
	}
}

// Export implements the OTLP gRPC trace service.
func (c *Collector) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	c.wait(ctx)
	c.addSpans(req.GetResourceSpans())
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

func (c *Collector) wait(ctx context.Context) {
	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()
	if delay == 0 {
		return
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func (c *Collector) addSpans(rss []*tracepb.ResourceSpans) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rs := range rss {
		c.resources = append(c.resources, rs.GetResource())
		for _, ss := range rs.GetScopeSpans() {
			c.spans = append(c.spans, ss.GetSpans()...)
		}
	}
}

func (c *Collector) addLogs(rls []*logspb.ResourceLogs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rl := range rls {
		c.resources = append(c.resources, rl.GetResource())
		for _, sl := range rl.GetScopeLogs() {
			c.logs = append(c.logs, sl.GetLogRecords()...)
		}
	}
}

func readBody(r *http.Request) ([]byte, error) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		body = zr
	}
	return io.ReadAll(body)
}

func writeProto(w http.ResponseWriter, m proto.Message) {
	out, _ := proto.Marshal(m)
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(out)
}

func (c *Collector) handleTraces(w http.ResponseWriter, r *http.Request) {
	c.wait(r.Context())
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(raw, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.addSpans(req.GetResourceSpans())
	writeProto(w, &coltracepb.ExportTraceServiceResponse{})
}

func (c *Collector) handleLogs(w http.ResponseWriter, r *http.Request) {
	c.wait(r.Context())
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(raw, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.addLogs(req.GetResourceLogs())
	writeProto(w, &collogspb.ExportLogsServiceResponse{})
}

// Spans returns every span received so far.
func (c *Collector) Spans() []*tracepb.Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*tracepb.Span(nil), c.spans...)
}

// Logs returns every log record received so far.
func (c *Collector) Logs() []*logspb.LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*logspb.LogRecord(nil), c.logs...)
}

// Resources returns the resource of every request received so far.
func (c *Collector) Resources() []*resourcepb.Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*resourcepb.Resource(nil), c.resources...)
}

// SyncBuffer is a goroutine-safe bytes.Buffer for local sink output.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Transport selects the span exporter protocol.
type Transport string

const (
	HTTP Transport = "http"
	GRPC Transport = "grpc"
)

// NewPipeline builds a started pipeline exporting to c. Logs always use
// OTLP/HTTP; spans use transport. The pipeline is shut down when the test
// ends if the test did not do it.
func NewPipeline(t *testing.T, c *Collector, transport Transport, cfg emitz.Config) (*emitz.Pipeline, *SyncBuffer) {
	t.Helper()

	var spanExporter *otlp.SpanExporter
	switch transport {
	case GRPC:
		spanExporter = otlp.NewSpanExporter(cfg.Resource, otlp.NewGRPCTraceClient(c.GRPCOptions()))
	default:
		spanExporter = otlp.NewSpanExporter(cfg.Resource, otlp.NewHTTPTraceClient(c.HTTPOptions()))
	}
	logExporter, err := otlp.NewLogExporter(cfg.Resource, c.HTTPOptions())
	if err != nil {
		t.Fatalf("Failed to create log exporter: %v", err)
	}

	out := &SyncBuffer{}
	if cfg.Sink == nil {
		cfg.Sink = slog.NewJSONHandler(out, nil)
	}

	p, err := emitz.New(cfg, spanExporter, logExporter)
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pipeline: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
	})
	return p, out
}

// TestConfig returns a pipeline config for service "integration".
func TestConfig() emitz.Config {
	cfg := emitz.DefaultConfig()
	cfg.Resource = emitz.Resource{
		ServiceName: "integration",
		Environment: "test",
		Team:        "observability",
	}
	return cfg
}
