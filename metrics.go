package emitz

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope of the pipeline's own telemetry.
const ScopeName = "github.com/zoobzio/emitz"

// Metric names reported for each stream, distinguished by the stream
// attribute.
const (
	MetricBufferDepth     = "emitz.buffer.depth"
	MetricBufferDropped   = "emitz.buffer.dropped"
	MetricExportRecords   = "emitz.export.records"
	MetricExportFailures  = "emitz.export.failures"
	MetricShutdownDiscard = "emitz.shutdown.discarded"
)

// registerMetrics exposes the pipeline's counters as observable instruments
// read from Stats on every collection.
func registerMetrics(mp metric.MeterProvider, p *Pipeline) (metric.Registration, error) {
	meter := mp.Meter(ScopeName)

	depth, err := meter.Int64ObservableGauge(MetricBufferDepth,
		metric.WithDescription("Records waiting in the buffer."),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64ObservableCounter(MetricBufferDropped,
		metric.WithDescription("Records displaced by overflow or rejected after close."),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}
	exported, err := meter.Int64ObservableCounter(MetricExportRecords,
		metric.WithDescription("Records exported successfully."),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64ObservableCounter(MetricExportFailures,
		metric.WithDescription("Batches dropped after a failed export."),
		metric.WithUnit("{batch}"))
	if err != nil {
		return nil, err
	}
	discarded, err := meter.Int64ObservableCounter(MetricShutdownDiscard,
		metric.WithDescription("Records abandoned at the shutdown deadline."),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, st := range p.Stats() {
			attrs := metric.WithAttributes(attribute.String("stream", st.Stream))
			o.ObserveInt64(depth, int64(st.Depth), attrs)
			o.ObserveInt64(dropped, st.Dropped, attrs)
			o.ObserveInt64(exported, st.Exported, attrs)
			o.ObserveInt64(failures, st.Failures, attrs)
			o.ObserveInt64(discarded, st.Discarded, attrs)
		}
		return nil
	}, depth, dropped, exported, failures, discarded)
}
