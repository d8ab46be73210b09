package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricsProvider manages OpenTelemetry metrics and Prometheus integration
// for the matching pipeline. A nil provider is safe to call: every record
// method is a no-op, so tests and tools can run without a registry.
type MetricsProvider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	registry      *prometheus.Registry

	ordersSequenced  metric.Int64Counter
	walAppends       metric.Int64Counter
	walBytes         metric.Int64Counter
	queueEnqueues    metric.Int64Counter
	queueDequeues    metric.Int64Counter
	queueOverflows   metric.Int64Counter
	decodeErrors     metric.Int64Counter
	rejectedOrders   metric.Int64Counter
	ordersMatched    metric.Int64Counter
	quantityMatched  metric.Int64Counter
	executionsSent   metric.Int64Counter
	restingOrders    metric.Int64UpDownCounter
	matchLatency     metric.Float64Histogram
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	Namespace      string
	Enabled        bool
}

// NewMetricsProvider creates a new metrics provider backed by a dedicated
// Prometheus registry.
func NewMetricsProvider(cfg MetricsConfig) (*MetricsProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	mp := &MetricsProvider{
		meterProvider: meterProvider,
		meter:         meterProvider.Meter(cfg.ServiceName),
		registry:      registry,
	}
	if err := mp.createInstruments(); err != nil {
		return nil, err
	}
	return mp, nil
}

func (mp *MetricsProvider) createInstruments() error {
	var err error

	if mp.ordersSequenced, err = mp.meter.Int64Counter("orders_sequenced_total",
		metric.WithDescription("Client submissions promoted to sequenced orders")); err != nil {
		return err
	}
	if mp.walAppends, err = mp.meter.Int64Counter("wal_appends_total",
		metric.WithDescription("Frames appended to the write-ahead log")); err != nil {
		return err
	}
	if mp.walBytes, err = mp.meter.Int64Counter("wal_bytes_total",
		metric.WithDescription("Payload bytes appended to the write-ahead log")); err != nil {
		return err
	}
	if mp.queueEnqueues, err = mp.meter.Int64Counter("queue_enqueues_total",
		metric.WithDescription("Messages enqueued per queue")); err != nil {
		return err
	}
	if mp.queueDequeues, err = mp.meter.Int64Counter("queue_dequeues_total",
		metric.WithDescription("Messages dequeued per queue")); err != nil {
		return err
	}
	if mp.queueOverflows, err = mp.meter.Int64Counter("queue_overflows_total",
		metric.WithDescription("Enqueue attempts rejected by a full queue")); err != nil {
		return err
	}
	if mp.decodeErrors, err = mp.meter.Int64Counter("decode_errors_total",
		metric.WithDescription("Messages dropped because their bytes did not decode")); err != nil {
		return err
	}
	if mp.rejectedOrders, err = mp.meter.Int64Counter("orders_rejected_total",
		metric.WithDescription("Submissions rejected before sequencing")); err != nil {
		return err
	}
	if mp.ordersMatched, err = mp.meter.Int64Counter("engine_orders_total",
		metric.WithDescription("Sequenced orders processed by the matching engine")); err != nil {
		return err
	}
	if mp.quantityMatched, err = mp.meter.Int64Counter("engine_quantity_matched_total",
		metric.WithDescription("Units of size traded")); err != nil {
		return err
	}
	if mp.executionsSent, err = mp.meter.Int64Counter("engine_executions_total",
		metric.WithDescription("Execution reports emitted by the engine")); err != nil {
		return err
	}
	if mp.restingOrders, err = mp.meter.Int64UpDownCounter("book_resting_orders",
		metric.WithDescription("Orders currently resting in the book")); err != nil {
		return err
	}
	if mp.matchLatency, err = mp.meter.Float64Histogram("engine_match_duration_seconds",
		metric.WithDescription("Wall time spent matching one sequenced order"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// RecordOrderSequenced counts one promoted submission.
func (mp *MetricsProvider) RecordOrderSequenced(ctx context.Context) {
	if mp == nil {
		return
	}
	mp.ordersSequenced.Add(ctx, 1)
}

// RecordWALAppend counts one logged frame of the given size.
func (mp *MetricsProvider) RecordWALAppend(ctx context.Context, bytes int) {
	if mp == nil {
		return
	}
	mp.walAppends.Add(ctx, 1)
	mp.walBytes.Add(ctx, int64(bytes))
}

// RecordEnqueue counts one enqueue on the named queue.
func (mp *MetricsProvider) RecordEnqueue(ctx context.Context, queue string) {
	if mp == nil {
		return
	}
	mp.queueEnqueues.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordDequeue counts one dequeue on the named queue.
func (mp *MetricsProvider) RecordDequeue(ctx context.Context, queue string) {
	if mp == nil {
		return
	}
	mp.queueDequeues.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordOverflow counts one rejected enqueue on the named queue.
func (mp *MetricsProvider) RecordOverflow(ctx context.Context, queue string) {
	if mp == nil {
		return
	}
	mp.queueOverflows.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordDecodeError counts one dropped undecodable message.
func (mp *MetricsProvider) RecordDecodeError(ctx context.Context, queue string) {
	if mp == nil {
		return
	}
	mp.decodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordRejectedOrder counts one submission rejected before sequencing.
func (mp *MetricsProvider) RecordRejectedOrder(ctx context.Context) {
	if mp == nil {
		return
	}
	mp.rejectedOrders.Add(ctx, 1)
}

// RecordMatch records one processed order: how much traded, how many
// executions were emitted, how the resting population changed, and how long
// matching took.
func (mp *MetricsProvider) RecordMatch(ctx context.Context, quantity uint64, executions int, restingDelta int64, elapsed time.Duration) {
	if mp == nil {
		return
	}
	mp.ordersMatched.Add(ctx, 1)
	mp.quantityMatched.Add(ctx, int64(quantity))
	mp.executionsSent.Add(ctx, int64(executions))
	mp.restingOrders.Add(ctx, restingDelta)
	mp.matchLatency.Record(ctx, elapsed.Seconds())
}

// Handler returns the Prometheus scrape handler.
func (mp *MetricsProvider) Handler() http.Handler {
	if mp == nil || mp.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(mp.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp == nil || mp.meterProvider == nil {
		return nil
	}
	return mp.meterProvider.Shutdown(ctx)
}
