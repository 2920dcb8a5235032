// Package telemetry exposes control-plane metrics through OpenTelemetry with
// a Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/agentregistry-dev/agentplane"

// Metrics holds the instruments recorded across the control plane. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	proxyRequests      metric.Int64Counter
	activations        metric.Int64Counter
	activationDuration metric.Float64Histogram
	streamsOpen        metric.Int64UpDownCounter
	scaleDowns         metric.Int64Counter
	envRotations       metric.Int64Counter
	jobRuns            metric.Int64Counter
}

// NewMetrics creates the meter provider, its Prometheus registry and all instruments.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	if err := runtime.Start(runtime.WithMeterProvider(mp)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	m := &Metrics{registry: reg, provider: mp}
	meter := mp.Meter(meterName)

	if m.proxyRequests, err = meter.Int64Counter("agentplane.proxy.requests",
		metric.WithDescription("Proxied protocol requests by route and status")); err != nil {
		return nil, err
	}
	if m.activations, err = meter.Int64Counter("agentplane.provider.activations",
		metric.WithDescription("Provider activations by outcome")); err != nil {
		return nil, err
	}
	if m.activationDuration, err = meter.Float64Histogram("agentplane.provider.activation.duration",
		metric.WithDescription("Time from activation start until the provider is servable"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.25, 1, 5, 15, 30, 60, 120, 300)); err != nil {
		return nil, err
	}
	if m.streamsOpen, err = meter.Int64UpDownCounter("agentplane.proxy.streams.open",
		metric.WithDescription("Event streams currently relayed to clients")); err != nil {
		return nil, err
	}
	if m.scaleDowns, err = meter.Int64Counter("agentplane.provider.scale_downs",
		metric.WithDescription("Idle scale-downs by outcome")); err != nil {
		return nil, err
	}
	if m.envRotations, err = meter.Int64Counter("agentplane.env.rotations",
		metric.WithDescription("Environment rotations by outcome")); err != nil {
		return nil, err
	}
	if m.jobRuns, err = meter.Int64Counter("agentplane.jobs.runs",
		metric.WithDescription("Periodic job runs by job and outcome")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) RecordProxyRequest(ctx context.Context, route string, status int) {
	if m == nil {
		return
	}
	m.proxyRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	))
}

// RecordActivation records one activation. stage is where it failed, or
// "forward" when the provider became servable.
func (m *Metrics) RecordActivation(ctx context.Context, stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", stage), attribute.String("outcome", outcome(err)))
	m.activations.Add(ctx, 1, attrs)
	m.activationDuration.Record(ctx, d.Seconds(), attrs)
}

// StreamOpened returns a func that marks the stream closed.
func (m *Metrics) StreamOpened(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}
	m.streamsOpen.Add(ctx, 1)
	return func() { m.streamsOpen.Add(context.WithoutCancel(ctx), -1) }
}

func (m *Metrics) RecordScaleDown(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.scaleDowns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

func (m *Metrics) RecordEnvRotation(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.envRotations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

func (m *Metrics) RecordJobRun(ctx context.Context, job string, err error) {
	if m == nil {
		return
	}
	m.jobRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("job", job), attribute.String("outcome", outcome(err))))
}
