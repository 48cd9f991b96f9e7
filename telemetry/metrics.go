package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/umipu/fedingest"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	requestDuration    metric.Float64Histogram
	responseBytesTotal metric.Int64Counter

	ingestTotal    metric.Int64Counter
	ingestDuration metric.Float64Histogram

	remoteFetchTotal      metric.Int64Counter
	remoteFetchDuration   metric.Float64Histogram
	remoteFetchBytesTotal metric.Int64Counter

	cacheLookupsTotal metric.Int64Counter

	lockWaitDuration metric.Float64Histogram

	invalidationsTotal metric.Int64Counter

	janitorPrunedTotal metric.Int64Counter
	janitorDuration    metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "fedingest"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"fedingest_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"fedingest_http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"fedingest_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	ingestTotal, err := meter.Int64Counter(
		"fedingest_ingest_total",
		metric.WithDescription("Total number of ingestion attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	ingestDuration, err := meter.Float64Histogram(
		"fedingest_ingest_duration_seconds",
		metric.WithDescription("Duration of ingestion attempts, including recursive resolution"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	remoteFetchTotal, err := meter.Int64Counter(
		"fedingest_remote_fetch_total",
		metric.WithDescription("Total number of remote document fetches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	remoteFetchDuration, err := meter.Float64Histogram(
		"fedingest_remote_fetch_duration_seconds",
		metric.WithDescription("Duration of remote document fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30),
	)
	if err != nil {
		return err
	}

	remoteFetchBytesTotal, err := meter.Int64Counter(
		"fedingest_remote_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from remote origins"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"fedingest_cache_lookups_total",
		metric.WithDescription("Total resolver cache lookups by cache and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	lockWaitDuration, err := meter.Float64Histogram(
		"fedingest_lock_wait_duration_seconds",
		metric.WithDescription("Time spent waiting on per-uri ingestion locks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	invalidationsTotal, err := meter.Int64Counter(
		"fedingest_invalidation_events_total",
		metric.WithDescription("Total cache invalidation events processed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	janitorPrunedTotal, err := meter.Int64Counter(
		"fedingest_lock_janitor_pruned_total",
		metric.WithDescription("Total expired lock records pruned"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	janitorDuration, err := meter.Float64Histogram(
		"fedingest_lock_janitor_duration_seconds",
		metric.WithDescription("Duration of lock janitor cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:         requestsTotal,
		requestDuration:       requestDuration,
		responseBytesTotal:    responseBytesTotal,
		ingestTotal:           ingestTotal,
		ingestDuration:        ingestDuration,
		remoteFetchTotal:      remoteFetchTotal,
		remoteFetchDuration:   remoteFetchDuration,
		remoteFetchBytesTotal: remoteFetchBytesTotal,
		cacheLookupsTotal:     cacheLookupsTotal,
		lockWaitDuration:      lockWaitDuration,
		invalidationsTotal:    invalidationsTotal,
		janitorPrunedTotal:    janitorPrunedTotal,
		janitorDuration:       janitorDuration,
		meterProvider:         mp,
		promHandler:           promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records metrics for a completed HTTP request. Operation and
// result labels come from the request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	operation := "unknown"
	result := string(ResolveNA)
	if tags != nil {
		if tags.Operation != "" {
			operation = tags.Operation
		}
		if tags.Result != "" {
			result = string(tags.Result)
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("result", result),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordIngest records one ingestion attempt. outcome is "persisted",
// "vote", "rejected", or "error".
func RecordIngest(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.ingestTotal.Add(ctx, 1, attrs)
	globalMetrics.ingestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRemoteFetch records a remote fetch. kind is "object" or "actor";
// outcome is "success", "4xx", "5xx", "error", or "canceled".
func RecordRemoteFetch(ctx context.Context, kind string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.remoteFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.remoteFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.remoteFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordCacheLookup records a resolver cache lookup. cache names the cache
// ("actor_by_id", "actor_by_uri", "keys_by_actor", "key_by_id"); result is
// "hit" or "miss".
func RecordCacheLookup(ctx context.Context, cache, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// RecordLockWait records the time spent acquiring a per-uri ingestion lock.
func RecordLockWait(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lockWaitDuration.Record(ctx, duration.Seconds())
}

// RecordInvalidation records a processed cache invalidation event.
func RecordInvalidation(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.invalidationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordJanitorCycle records one lock janitor cycle's pruned count and
// duration.
func RecordJanitorCycle(ctx context.Context, pruned int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.janitorPrunedTotal.Add(ctx, int64(pruned))
	globalMetrics.janitorDuration.Record(ctx, duration.Seconds())
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the class of an HTTP status code ("2xx", "3xx", "4xx",
// "5xx", or "unknown").
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
