// Package observe provides OpenTelemetry metric instruments for the
// relay. Metrics are recorded through the OTel Metrics API; a Prometheus
// exporter bridge is installed by [InitProvider] so they can be scraped
// from the standard /metrics endpoint.
package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/arohealth/teleconsult"

// Metrics holds all metric instruments. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ChunksReceived counts audio chunks arriving from clients. Use with
	// attribute.String("role", ...).
	ChunksReceived metric.Int64Counter

	// ChunksUndersized counts chunks below the forwarding threshold.
	ChunksUndersized metric.Int64Counter

	// ChunksForwarded counts chunks handed to the transcription backend.
	ChunksForwarded metric.Int64Counter

	// ChunksRequeued counts chunks re-queued after a forward failure.
	ChunksRequeued metric.Int64Counter

	// Captions counts caption events broadcast to participants.
	Captions metric.Int64Counter

	// CaptionLatency tracks chunk-receipt to caption-broadcast latency.
	CaptionLatency metric.Float64Histogram
}

// latencyBuckets covers the chunk cadence through the soft-warning
// threshold and beyond (seconds).
var latencyBuckets = []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunksReceived, err = m.Int64Counter("teleconsult.chunks.received",
		metric.WithDescription("Audio chunks received from clients."),
	); err != nil {
		return nil, err
	}
	if met.ChunksUndersized, err = m.Int64Counter("teleconsult.chunks.undersized",
		metric.WithDescription("Chunks below the minimum forwarding size."),
	); err != nil {
		return nil, err
	}
	if met.ChunksForwarded, err = m.Int64Counter("teleconsult.chunks.forwarded",
		metric.WithDescription("Chunks forwarded to the transcription backend."),
	); err != nil {
		return nil, err
	}
	if met.ChunksRequeued, err = m.Int64Counter("teleconsult.chunks.requeued",
		metric.WithDescription("Chunks re-queued after a forward failure."),
	); err != nil {
		return nil, err
	}
	if met.Captions, err = m.Int64Counter("teleconsult.captions.broadcast",
		metric.WithDescription("Caption events broadcast to participants."),
	); err != nil {
		return nil, err
	}
	if met.CaptionLatency, err = m.Float64Histogram("teleconsult.caption.latency",
		metric.WithDescription("Chunk receipt to caption broadcast latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RegisterActiveSessions publishes a gauge fed by probe on every scrape.
// The registry already knows the live session count; polling it beats
// double-entry bookkeeping on every admit and drop.
func RegisterActiveSessions(mp metric.MeterProvider, probe func() int64) error {
	m := mp.Meter(meterName)
	gauge, err := m.Int64ObservableGauge("teleconsult.sessions.active",
		metric.WithDescription("Consultations with at least one connection."),
	)
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, probe())
		return nil
	}, gauge)
	return err
}

// Default builds Metrics against the global meter provider.
func Default() (*Metrics, error) {
	return NewMetrics(otel.GetMeterProvider())
}
