package otlp

import (
	"crypto/tls"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding/gzip"
)

// NewHTTPTraceClient returns a trace client posting protobuf to
// <endpoint>/v1/traces.
func NewHTTPTraceClient(opts Options) otlptrace.Client {
	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(opts.Endpoint),
	}
	if len(opts.Headers) > 0 {
		options = append(options, otlptracehttp.WithHeaders(opts.Headers))
	}
	if opts.Compression {
		options = append(options, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}
	if opts.Timeout > 0 {
		options = append(options, otlptracehttp.WithTimeout(opts.Timeout))
	}
	if opts.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	} else {
		options = append(options, otlptracehttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	return otlptracehttp.NewClient(options...)
}

// NewGRPCTraceClient returns a trace client using the OTLP gRPC service.
// The connection is established when the exporter first starts the client.
func NewGRPCTraceClient(opts Options) otlptrace.Client {
	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(opts.Endpoint),
	}
	if len(opts.Headers) > 0 {
		options = append(options, otlptracegrpc.WithHeaders(opts.Headers))
	}
	if opts.Compression {
		options = append(options, otlptracegrpc.WithCompressor(gzip.Name))
	}
	if opts.Timeout > 0 {
		options = append(options, otlptracegrpc.WithTimeout(opts.Timeout))
	}
	if opts.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	} else {
		options = append(options, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	return otlptracegrpc.NewClient(options...)
}
