// Package otlp ships emitz spans and log records to an OpenTelemetry
// collector over OTLP.
//
// Spans travel through an otlptrace.Client, HTTP or gRPC. Logs are posted
// as protobuf to the collector's /v1/logs endpoint. Every exporter wraps the
// emitz failure sentinels so the scheduler can classify failures.
package otlp

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/goware/urlx"
)

// Default collector ports.
const (
	DefaultGRPCPort = 4317
	DefaultHTTPPort = 4318
)

// ErrNoEndpoint is returned when no collector host is configured.
var ErrNoEndpoint = errors.New("otlp: collector endpoint is required")

// Options configures a collector connection.
type Options struct {
	// Endpoint is the collector host:port, without scheme or path.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS.
	Insecure bool `yaml:"insecure,omitempty"`

	// Headers are sent with every export, for example an API key.
	Headers map[string]string `yaml:"-"`

	// Compression gzips request bodies.
	Compression bool `yaml:"compression,omitempty"`

	// Timeout bounds each request in addition to the export context.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// OptionsFromURL returns Options for a URL produced by ParseEndpoint.
// Plain http means Insecure.
func OptionsFromURL(u *url.URL) Options {
	return Options{
		Endpoint:    u.Host,
		Insecure:    u.Scheme == "http",
		Compression: true,
	}
}

// ParseEndpoint turns a loosely written collector address into a URL with
// scheme and port. "local" is shorthand for the local collector. Without a
// scheme, insecure selects http over https; without a port, defaultPort is
// used.
func ParseEndpoint(host string, insecure bool, defaultPort int) (*url.URL, error) {
	switch host {
	case "":
		return nil, ErrNoEndpoint
	case "local":
		host = "http://localhost"
	}

	defaultScheme := "https"
	if insecure {
		defaultScheme = "http"
	}
	u, err := urlx.ParseWithDefaultScheme(host, defaultScheme)
	if err != nil {
		return nil, fmt.Errorf("otlp: parse endpoint %q: %w", host, err)
	}
	if u.Port() == "" {
		u.Host = fmt.Sprintf("%s:%d", u.Host, defaultPort)
	}
	return u, nil
}
