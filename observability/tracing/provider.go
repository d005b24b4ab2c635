// Package tracing sets up OpenTelemetry for the trigger and creates the
// spans around invocations and workflow engine calls.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Lambda runtime variables copied onto the trace resource.
const (
	envFunctionName    = "AWS_LAMBDA_FUNCTION_NAME"
	envFunctionVersion = "AWS_LAMBDA_FUNCTION_VERSION"
	envRegion          = "AWS_REGION"
)

// Config holds configuration for the TracerProvider setup.
type Config struct {
	// Endpoint is the OTLP HTTP endpoint, either host:port ("localhost:4318")
	// or a base URL ("https://collector:4318"). A URL's scheme decides TLS and
	// overrides Insecure. Tracing is disabled when it is empty.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// ServiceName is the service name reported in traces.
	ServiceName string `json:"serviceName" yaml:"serviceName"`
	// ServiceVersion is the optional service version.
	ServiceVersion string `json:"serviceVersion,omitempty" yaml:"serviceVersion,omitempty"`
	// Insecure disables TLS for the OTLP exporter.
	Insecure bool `json:"insecure" yaml:"insecure"`
	// SampleRate is the ratio of new traces sampled. Values outside (0, 1)
	// sample everything. Traces started upstream keep their decision.
	SampleRate float64 `json:"sampleRate" yaml:"sampleRate"`
}

// DefaultConfig returns a Config with tracing disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName: "connect-trigger",
		Insecure:    true,
		SampleRate:  1.0,
	}
}

// Enabled reports whether an exporter endpoint is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// Provider owns the SDK TracerProvider when tracing is enabled.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// tracesPath is appended to base URL endpoints, following the
// OTEL_EXPORTER_OTLP_ENDPOINT convention.
const tracesPath = "/v1/traces"

func exporterOptions(cfg Config) ([]otlptracehttp.Option, error) {
	if !strings.Contains(cfg.Endpoint, "://") {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return opts, nil
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse OTLP endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("OTLP endpoint %q: unsupported scheme %q", cfg.Endpoint, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("OTLP endpoint %q has no host", cfg.Endpoint)
	}
	if !strings.HasSuffix(u.Path, tracesPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + tracesPath
	}
	return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(u.String())}, nil
}

// NewProvider exports spans over OTLP/HTTP and installs the provider and a
// W3C propagator globally. When cfg has no endpoint it returns a Provider
// backed by whatever global provider is already installed.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled() {
		return &Provider{tracer: otel.GetTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	opts, err := exporterOptions(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := newResource(ctx, cfg, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// newResource describes the service and, inside Lambda, the function
// serving it.
func newResource(ctx context.Context, cfg Config, lookup func(string) (string, bool)) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if name, ok := lookup(envFunctionName); ok && name != "" {
		attrs = append(attrs, semconv.CloudProviderAWS, semconv.CloudPlatformAWSLambda, semconv.FaaSName(name))
		if v, ok := lookup(envFunctionVersion); ok && v != "" {
			attrs = append(attrs, semconv.FaaSVersion(v))
		}
		if region, ok := lookup(envRegion); ok && region != "" {
			attrs = append(attrs, semconv.CloudRegion(region))
		}
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the named tracer from the provider.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// TracerProvider returns the underlying SDK TracerProvider, or nil when
// tracing is disabled.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.tp
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		return p.tp.Shutdown(ctx)
	}
	return nil
}

// ForceFlush exports all ended spans without shutting the provider down.
// Lambda freezes the process between invocations, so the entrypoint calls
// it after every event.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp != nil {
		return p.tp.ForceFlush(ctx)
	}
	return nil
}
