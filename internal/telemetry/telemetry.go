package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics for the local status API
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Update pipeline metrics
	updateChecksTotal    metric.Int64Counter
	downloadAttempts     metric.Int64Counter
	downloadDuration     metric.Float64Histogram
	downloadsActive      metric.Int64UpDownCounter
	downloadBytes        metric.Int64Counter
	proxyResetsTotal     metric.Int64Counter
	channelFallbacks     metric.Int64Counter
	trustDecisionsTotal  metric.Int64Counter
	dbOperationsTotal    metric.Int64Counter
	dbOperationDuration  metric.Float64Histogram
	systemErrors         metric.Int64Counter
	systemUptime         metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables a push exporter next to the Prometheus pull endpoint.
	OTLPEndpoint   string
	Interval       time.Duration
}

// New creates a new telemetry instance. A disabled instance is valid and records nothing.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		interval := cfg.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(interval))))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	go t.collectUptime(ctx)

	return t, nil
}

func (t *Telemetry) enabled() bool {
	return t != nil && t.meter != nil
}

// Tracer returns the OpenTelemetry tracer, a no-op tracer when disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("noop")
	}

	return t.tracer
}

// WrapTransport instruments outgoing requests of the feed and artifact clients.
func (t *Telemetry) WrapTransport(rt http.RoundTripper) http.RoundTripper {
	if !t.enabled() {
		return rt
	}

	return otelhttp.NewTransport(rt,
		otelhttp.WithMeterProvider(t.meterProvider),
		otelhttp.WithTracerProvider(t.tracerProvider),
	)
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t.enabled() {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t.enabled() {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordUpdateCheck records the outcome of a release feed query: available, not_available or error.
func (t *Telemetry) RecordUpdateCheck(result string) {
	if t.enabled() {
		t.updateChecksTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// RecordDownloadAttempt records one attempt and the classification it ended with ("success" on success).
func (t *Telemetry) RecordDownloadAttempt(channel, classification string) {
	if t.enabled() {
		t.downloadAttempts.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("classification", classification),
		))
	}
}

// RecordDownload records the duration of a whole channel download, retries included.
func (t *Telemetry) RecordDownload(channel, status string, duration time.Duration) {
	if t.enabled() {
		t.downloadDuration.Record(context.Background(), duration.Seconds(), metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("status", status),
		))
	}
}

// RecordDownloadBytes adds transferred bytes for a channel.
func (t *Telemetry) RecordDownloadBytes(channel string, n int64) {
	if t.enabled() && n > 0 {
		t.downloadBytes.Add(context.Background(), n, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// IncrementActiveDownloads increments active downloads counter.
func (t *Telemetry) IncrementActiveDownloads() {
	if t.enabled() {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements active downloads counter.
func (t *Telemetry) DecrementActiveDownloads() {
	if t.enabled() {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// RecordProxyReset records a proxy session reset.
func (t *Telemetry) RecordProxyReset(status string) {
	if t.enabled() {
		t.proxyResetsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordChannelFallback records a switch from the primary to the fallback channel.
func (t *Telemetry) RecordChannelFallback(reason string) {
	if t.enabled() {
		t.channelFallbacks.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordTrustDecision records a certificate trust verdict. Hosts are left out on purpose
// (see the cardinality notes in instrumentation.go).
func (t *Telemetry) RecordTrustDecision(code string, trusted bool) {
	if t.enabled() {
		t.trustDecisionsTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("code", code),
			attribute.String("trusted", strconv.FormatBool(trusted)),
		))
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t.enabled() {
		t.systemErrors.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("error_type", errorType),
		))
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return t.meterProvider.Shutdown(ctx)
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of status API requests"},
		{&t.updateChecksTotal, "update_checks_total", "Total number of release feed queries"},
		{&t.downloadAttempts, "download_attempts_total", "Total number of artifact download attempts"},
		{&t.downloadBytes, "download_bytes_total", "Total number of artifact bytes received"},
		{&t.proxyResetsTotal, "proxy_resets_total", "Total number of proxy session resets"},
		{&t.channelFallbacks, "channel_fallbacks_total", "Total number of switches to the fallback channel"},
		{&t.trustDecisionsTotal, "trust_decisions_total", "Total number of certificate trust decisions"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors"},
	}

	for _, c := range counters {
		*c.dst, err = t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&t.httpRequestDuration, "http_request_duration_seconds", "Status API request duration in seconds"},
		{&t.downloadDuration, "download_duration_seconds", "Channel download duration in seconds, retries included"},
		{&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds"},
	}

	for _, h := range histograms {
		*h.dst, err = t.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of status API requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"downloads_active",
		metric.WithDescription("Number of artifact downloads in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_active counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("Updater uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) collectUptime(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
		}
	}
}
