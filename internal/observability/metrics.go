package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// MetricsCollector manages the router and transport metrics. A disabled
// collector is a valid zero-cost no-op so call sites never branch.
type MetricsCollector struct {
	meter metric.Meter

	dispatches       metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	transportErrors  metric.Int64Counter
	pendingRequests  metric.Int64UpDownCounter
	servicesReady    metric.Int64UpDownCounter
	cacheHits        metric.Int64Counter
}

// NewMetricsCollector builds the collector and installs its meter provider
// globally. Prometheus exposition happens through promhttp on the HTTP
// facade, not on a side port.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("toolhub")

	dispatches, err := meter.Int64Counter(
		"toolhub.router.dispatches.total",
		metric.WithDescription("Total tool dispatches through the router"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatches counter: %w", err)
	}

	dispatchDuration, err := meter.Float64Histogram(
		"toolhub.router.dispatch.duration",
		metric.WithDescription("Tool dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatch duration histogram: %w", err)
	}

	transportErrors, err := meter.Int64Counter(
		"toolhub.worker.transport.errors.total",
		metric.WithDescription("Fatal worker transport failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create transport errors counter: %w", err)
	}

	pendingRequests, err := meter.Int64UpDownCounter(
		"toolhub.worker.requests.pending",
		metric.WithDescription("Requests currently awaiting a worker response"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pending requests gauge: %w", err)
	}

	servicesReady, err := meter.Int64UpDownCounter(
		"toolhub.services.ready",
		metric.WithDescription("Local services currently in the ready state"),
		metric.WithUnit("{service}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create services ready gauge: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"toolhub.router.cache.hits.total",
		metric.WithDescription("Dispatches served from the result cache"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache hits counter: %w", err)
	}

	return &MetricsCollector{
		meter:            meter,
		dispatches:       dispatches,
		dispatchDuration: dispatchDuration,
		transportErrors:  transportErrors,
		pendingRequests:  pendingRequests,
		servicesReady:    servicesReady,
		cacheHits:        cacheHits,
	}, nil
}

// RecordDispatch records one routed tool call.
func (m *MetricsCollector) RecordDispatch(ctx context.Context, flatName, backend, status string, duration time.Duration) {
	if m == nil || m.dispatches == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", flatName),
		attribute.String("backend", backend),
		attribute.String("status", status),
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("backend", backend)))
}

// RecordTransportError records a fatal worker transport failure.
func (m *MetricsCollector) RecordTransportError(ctx context.Context) {
	if m == nil || m.transportErrors == nil {
		return
	}
	m.transportErrors.Add(ctx, 1)
}

// RecordCacheHit records a dispatch answered from the result cache.
func (m *MetricsCollector) RecordCacheHit(ctx context.Context, flatName string) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tool_name", flatName)))
}

// TrackPending brackets one in-flight worker request.
func (m *MetricsCollector) TrackPending(ctx context.Context, delta int64) {
	if m == nil || m.pendingRequests == nil {
		return
	}
	m.pendingRequests.Add(ctx, delta)
}

// TrackReadyServices adjusts the ready-service gauge.
func (m *MetricsCollector) TrackReadyServices(ctx context.Context, delta int64) {
	if m == nil || m.servicesReady == nil {
		return
	}
	m.servicesReady.Add(ctx, delta)
}
