package otlp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"
	"github.com/zoobzio/emitz"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"
)

// LogsPath is the collector path log batches are posted to.
const LogsPath = "/v1/logs"

// maxResponseBody bounds how much of a collector response is read.
const maxResponseBody = 64 << 10

// LogExporter posts log batches to a collector as OTLP/HTTP protobuf.
// Safe for concurrent use by multiple goroutines.
type LogExporter struct {
	client   *http.Client
	url      string
	headers  map[string]string
	compress bool
	resource *resourcepb.Resource
}

// NewLogExporter creates an exporter reporting logs under res to the
// collector described by opts.
func NewLogExporter(res emitz.Resource, opts Options) (*LogExporter, error) {
	if opts.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	scheme := "https"
	if opts.Insecure {
		scheme = "http"
	}
	return &LogExporter{
		client:   &http.Client{Timeout: opts.Timeout},
		url:      fmt.Sprintf("%s://%s%s", scheme, opts.Endpoint, LogsPath),
		headers:  opts.Headers,
		compress: opts.Compression,
		resource: ResourceProto(res),
	}, nil
}

// URL returns the address batches are posted to.
func (e *LogExporter) URL() string {
	return e.url
}

// Export encodes and posts one batch. Network failures wrap
// emitz.ErrTransport, non-2xx responses and partial rejections wrap
// emitz.ErrRejected, and encoding failures wrap emitz.ErrSerialization.
func (e *LogExporter) Export(ctx context.Context, batch emitz.Batch[emitz.LogRecord]) error {
	if batch.Len() == 0 {
		return nil
	}

	body, err := e.encode(batch.Records())
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", emitz.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if e.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("post logs: %w", ctxErr)
		}
		return fmt.Errorf("%w: post logs: %w", emitz.ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: collector returned %s", emitz.ErrRejected, resp.Status)
	}
	return partialRejection(respBody)
}

func (e *LogExporter) encode(records []emitz.LogRecord) ([]byte, error) {
	rl, err := ResourceLogs(e.resource, records)
	if err != nil {
		return nil, err
	}
	raw, err := proto.Marshal(&collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{rl},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal logs: %w", emitz.ErrSerialization, err)
	}
	if !e.compress {
		return raw, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("%w: compress logs: %w", emitz.ErrSerialization, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: compress logs: %w", emitz.ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

// partialRejection reports records the collector accepted the request for
// but refused. An undecodable body is treated as full success.
func partialRejection(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	var resp collogspb.ExportLogsServiceResponse
	if err := proto.Unmarshal(body, &resp); err != nil {
		return nil
	}
	ps := resp.GetPartialSuccess()
	if ps.GetRejectedLogRecords() > 0 {
		return fmt.Errorf("%w: collector rejected %d log records: %s",
			emitz.ErrRejected, ps.GetRejectedLogRecords(), ps.GetErrorMessage())
	}
	return nil
}

// Shutdown releases idle connections.
func (e *LogExporter) Shutdown(context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}
