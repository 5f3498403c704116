// Package telemetry initialises OpenTelemetry metrics for the relay.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/flitstream/flit/internal/config"
)

const (
	defaultServiceName    = "flit-relay"
	serviceVersion        = "1.0.0"
	defaultOTLPEndpoint   = "localhost:4318"
	defaultMetricInterval = 30 * time.Second
)

// globalEnvironment labels every metric series; set once by NewProvider.
var globalEnvironment string

// Config controls the metrics pipeline.
type Config struct {
	Enabled        bool
	OTLPEndpoint   string
	OTLPInsecure   bool
	MetricInterval time.Duration
	ServiceName    string
	Namespace      string
	Environment    string
}

// DefaultConfig reads the OTEL_* environment knobs, falling back to local
// development defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        config.GetEnvBool("OTEL_ENABLED", true) && config.GetEnvBool("OTEL_METRICS_ENABLED", true),
		OTLPEndpoint:   config.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", defaultOTLPEndpoint),
		OTLPInsecure:   config.GetEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		MetricInterval: time.Duration(config.GetEnvInt("OTEL_METRIC_INTERVAL_SECONDS", 30)) * time.Second,
		ServiceName:    config.GetEnv("OTEL_SERVICE_NAME", defaultServiceName),
		Namespace:      config.GetEnv("OTEL_SERVICE_NAMESPACE", ""),
		Environment:    config.GetEnv("OTEL_RESOURCE_ENVIRONMENT", config.GetEnv("FLIT_ENV", "development")),
	}
}

// Provider owns the meter provider wired to the OTLP exporter. A disabled
// provider is valid and leaves the no-op global meter in place.
type Provider struct {
	mp  *sdkmetric.MeterProvider
	cfg Config
}

// NewProvider builds the metrics pipeline and installs it as the global
// meter provider. With cfg.Enabled false it only records the environment
// label and leaves metrics off.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	globalEnvironment = strings.ToLower(cfg.Environment)
	if !cfg.Enabled {
		return &Provider{cfg: cfg}, nil
	}

	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := buildExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(latencyViews()...),
	)
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp, cfg: cfg}, nil
}

// Shutdown flushes pending metrics and stops the periodic reader.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.mp == nil {
		return nil
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

// Meter returns a named meter from this provider, or the global one when
// metrics are disabled.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p.mp == nil {
		return otel.Meter(name, opts...)
	}
	return p.mp.Meter(name, opts...)
}

func buildResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(serviceVersion),
	}
	if cfg.Namespace != "" {
		attrs = append(attrs, semconv.ServiceNamespaceKey.String(cfg.Namespace))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, AttrEnvironment.String(strings.ToLower(cfg.Environment)))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}
	return res, nil
}

// buildExporter constructs the OTLP HTTP exporter. The exporter wants a bare
// host:port, so any scheme on the endpoint is stripped.
func buildExporter(ctx context.Context, cfg Config) (*otlpmetrichttp.Exporter, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.OTLPEndpoint, "http://"), "https://")
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("build metric exporter: %w", err)
	}
	return exporter, nil
}

// latencyViews pins explicit histogram buckets to the relay's observed
// ranges instead of the SDK defaults: publish latency is an awaited in-memory
// fan-out, alert sends are outbound webhooks with seconds-scale tails.
func latencyViews() []sdkmetric.View {
	return []sdkmetric.View{
		histogramView("eventbus.publish.duration", []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500}),
		histogramView("eventbus.fanout.size", []float64{1, 2, 5, 10, 20, 50, 100}),
		histogramView("alerts.send.duration", []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}),
	}
}

func histogramView(name string, boundaries []float64) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: boundaries}},
	)
}

// Environment returns the environment label applied to metric attributes.
func Environment() string {
	if globalEnvironment == "" {
		return "development"
	}
	return globalEnvironment
}
