package otlp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/emitz/otlp"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		host       string
		insecure   bool
		port       int
		wantScheme string
		wantHost   string
	}{
		{"local alias", "local", false, otlp.DefaultHTTPPort, "http", "localhost:4318"},
		{"bare host secure", "collector.example.com", false, otlp.DefaultGRPCPort, "https", "collector.example.com:4317"},
		{"bare host insecure", "collector.example.com", true, otlp.DefaultHTTPPort, "http", "collector.example.com:4318"},
		{"explicit scheme wins", "https://collector.example.com", true, otlp.DefaultHTTPPort, "https", "collector.example.com:4318"},
		{"explicit port kept", "http://localhost:9999", false, otlp.DefaultHTTPPort, "http", "localhost:9999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := otlp.ParseEndpoint(tt.host, tt.insecure, tt.port)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScheme, u.Scheme)
			assert.Equal(t, tt.wantHost, u.Host)
		})
	}
}

func TestParseEndpoint_Empty(t *testing.T) {
	_, err := otlp.ParseEndpoint("", false, otlp.DefaultHTTPPort)
	require.ErrorIs(t, err, otlp.ErrNoEndpoint)
}

func TestOptionsFromURL(t *testing.T) {
	u, err := otlp.ParseEndpoint("local", false, otlp.DefaultHTTPPort)
	require.NoError(t, err)

	opts := otlp.OptionsFromURL(u)
	assert.Equal(t, "localhost:4318", opts.Endpoint)
	assert.True(t, opts.Insecure)
	assert.True(t, opts.Compression)
}

func TestNewTraceClients(t *testing.T) {
	opts := otlp.Options{Endpoint: "localhost:4318", Insecure: true, Compression: true}
	assert.NotNil(t, otlp.NewHTTPTraceClient(opts))
	assert.NotNil(t, otlp.NewGRPCTraceClient(otlp.Options{Endpoint: "localhost:4317"}))
}
