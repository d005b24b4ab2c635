// Package metrics exposes Prometheus metrics for trigger invocations and
// the workflow engine calls they make.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/smithy-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace   string `yaml:"namespace" json:"namespace"`
	Subsystem   string `yaml:"subsystem" json:"subsystem"`
	MetricsPath string `yaml:"metricsPath" json:"metricsPath"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "connect_trigger",
		MetricsPath: "/metrics",
	}
}

// Collector wraps the Prometheus metrics for the trigger with its own
// registry.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	Invocations        *prometheus.CounterVec
	LoopExhausted      *prometheus.CounterVec
	EngineCalls        *prometheus.CounterVec
	EngineCallDuration *prometheus.HistogramVec
}

// New creates a Collector with the default configuration.
func New() *Collector {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Collector with the given config.
func NewWithConfig(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		config:   cfg,
		registry: reg,
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "invocations_total",
			Help:      "Total number of trigger invocations by response status",
		}, []string{"status", "sfn_result"}),
		LoopExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "loop_exhausted_total",
			Help:      "Invocations answered with LOOP_DONE, by reason",
		}, []string{"reason"}),
		EngineCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "engine_calls_total",
			Help:      "Total number of workflow engine calls by outcome",
		}, []string{"operation", "outcome"}),
		EngineCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "engine_call_duration_seconds",
			Help:      "Duration of workflow engine calls in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(c.Invocations, c.LoopExhausted, c.EngineCalls, c.EngineCallDuration)
	return c
}

// MetricsPath returns the configured metrics endpoint path.
func (c *Collector) MetricsPath() string { return c.config.MetricsPath }

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordInvocation counts one answered invocation.
func (c *Collector) RecordInvocation(status, result string) {
	c.Invocations.WithLabelValues(status, result).Inc()
}

// RecordLoopExhausted counts one LOOP_DONE answer.
func (c *Collector) RecordLoopExhausted(reason string) {
	c.LoopExhausted.WithLabelValues(reason).Inc()
}

// RecordEngineCall records the outcome and latency of one engine call.
func (c *Collector) RecordEngineCall(operation string, d time.Duration, err error) {
	c.EngineCalls.WithLabelValues(operation, Outcome(err)).Inc()
	c.EngineCallDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// Outcome turns an engine error into a low-cardinality label: "ok",
// the AWS error code, "timeout", "canceled" or "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() != "" {
		return apiErr.ErrorCode()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}
