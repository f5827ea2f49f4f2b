// Package otel owns the control plane's tracer and meter. Every component
// draws its tracer and instruments from one Provider built at serve time; a
// disabled Provider hands out no-op implementations.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// ScopeName is the instrumentation scope of every vx11 tracer and meter.
	ScopeName = "github.com/basket/vx11"
	// Version is reported as service.version.
	Version = "v1.0-dev"
)

// Exporters accepted in telemetry.exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

var exporters = []string{ExporterOTLPHTTP, ExporterStdout, ExporterNone}

// Config is the telemetry section of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Exporter    string  `yaml:"exporter" json:"exporter"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint,omitempty"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
	// MetricsEnabled keeps the meter provider live alongside traces. Nil
	// means on.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty" json:"metrics_enabled,omitempty"`
	// ResourceAttributes are extra vx11.* labels stamped on every span,
	// e.g. {deployment: lab-2}.
	ResourceAttributes map[string]string `yaml:"resource_attributes,omitempty" json:"resource_attributes,omitempty"`

	// Writer receives spans for the stdout exporter. Nil means os.Stdout.
	Writer io.Writer `yaml:"-" json:"-"`
}

// Validate rejects exporter names and sample rates Init cannot honour.
func (c Config) Validate() error {
	if c.Exporter != "" && !slices.Contains(exporters, c.Exporter) {
		return fmt.Errorf("telemetry.exporter: unknown value %q (supported: %v)", c.Exporter, exporters)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be in [0,1], got %v", c.SampleRate)
	}
	return nil
}

// Provider is the process-wide tracer and meter pair.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       []func(context.Context) error
}

// Init builds the Provider for cfg and installs it as the global tracer
// provider. A disabled config yields no-op tracer and meter.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Tracer:        nooptrace.NewTracerProvider().Tracer(ScopeName),
			Meter:         mp.Meter(ScopeName),
		}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter %s: %w", cfg.Exporter, err)
	}

	p := &Provider{}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(ScopeName, trace.WithInstrumentationVersion(Version))
	p.shutdown = append(p.shutdown, tp.Shutdown)

	p.MeterProvider = noop.NewMeterProvider()
	if cfg.MetricsEnabled == nil || *cfg.MetricsEnabled {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.MeterProvider = mp
		p.shutdown = append(p.shutdown, mp.Shutdown)
	}
	p.Meter = p.MeterProvider.Meter(ScopeName, metric.WithInstrumentationVersion(Version))
	return p, nil
}

// Disabled returns a no-op provider. Components fall back to it when no
// provider is injected.
func Disabled() *Provider {
	p, _ := Init(context.Background(), Config{})
	return p
}

// Shutdown flushes pending spans and stops every provider Init started.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "vx11"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(Version),
	}
	keys := make([]string, 0, len(cfg.ResourceAttributes))
	for k := range cfg.ResourceAttributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String("vx11."+k, cfg.ResourceAttributes[k]))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost(), resource.WithProcessPID())
}

// newSampler honours parent decisions so a trace started at the gateway is
// kept or dropped as a whole. Zero means sample everything.
func newSampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterNone:
		return discardExporter{}, nil
	}
	return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
