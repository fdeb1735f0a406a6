// Package observability exposes proxy metrics through an OTel meter backed by
// a Prometheus exporter with a local scrape endpoint.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"toolmux/internal/async"
	"toolmux/internal/logging"
	"toolmux/internal/pool"
)

// Config configures the metrics collector.
type Config struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// Metrics manages all proxy metrics. The zero value (and a disabled config)
// is a safe no-op.
type Metrics struct {
	meter metric.Meter

	dispatches     metric.Int64Counter
	dispatchErrors metric.Int64Counter
	toolDuration   metric.Float64Histogram
	chainSteps     metric.Int64Counter
	spills         metric.Int64Counter

	provider         *sdkmetric.MeterProvider
	prometheusServer *http.Server
	logger           logging.Logger
}

// NewMetrics creates a metrics collector. When disabled, every record call is
// a no-op.
func NewMetrics(config Config, logger logging.Logger) (*Metrics, error) {
	if !config.Enabled {
		return &Metrics{logger: logging.OrNop(logger)}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// The provider stays local: components get this collector handed to
	// them instead of reading a process-global meter provider.
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("toolmux")

	m := &Metrics{meter: meter, provider: provider, logger: logging.OrNop(logger)}

	if m.dispatches, err = meter.Int64Counter(
		"toolmux.dispatch.total",
		metric.WithDescription("Total number of dispatched tool calls"),
	); err != nil {
		return nil, err
	}
	if m.dispatchErrors, err = meter.Int64Counter(
		"toolmux.dispatch.errors.total",
		metric.WithDescription("Total number of failed tool calls"),
	); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"toolmux.dispatch.duration.seconds",
		metric.WithDescription("Tool call duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.chainSteps, err = meter.Int64Counter(
		"toolmux.chain.steps.total",
		metric.WithDescription("Total number of executed chain steps by status"),
	); err != nil {
		return nil, err
	}
	if m.spills, err = meter.Int64Counter(
		"toolmux.gate.spills.total",
		metric.WithDescription("Total number of oversized responses spilled to disk"),
	); err != nil {
		return nil, err
	}

	if config.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promclient.Handler())
		m.prometheusServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", config.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return m, nil
}

// Start launches the scrape endpoint, if one is configured.
func (m *Metrics) Start() {
	if m.prometheusServer == nil {
		return
	}
	async.Go(m.logger, "observability.listener", func() {
		m.logger.Info("Prometheus metrics listening on %s", m.prometheusServer.Addr)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed: %v", err)
		}
	})
}

// RegisterPoolStats exports pool occupancy as observable gauges, read on
// scrape from the given snapshot source.
func (m *Metrics) RegisterPoolStats(source func() map[string]pool.Stats) error {
	if m.meter == nil || source == nil {
		return nil
	}

	size, err := m.meter.Int64ObservableGauge(
		"toolmux.pool.size",
		metric.WithDescription("Open connections per backend pool"),
	)
	if err != nil {
		return err
	}
	inUse, err := m.meter.Int64ObservableGauge(
		"toolmux.pool.in_use",
		metric.WithDescription("In-use connections per backend pool"),
	)
	if err != nil {
		return err
	}
	waiters, err := m.meter.Int64ObservableGauge(
		"toolmux.pool.waiters",
		metric.WithDescription("Callers queued for a pooled connection"),
	)
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for backend, stats := range source() {
			attrs := metric.WithAttributes(attribute.String("backend", backend))
			o.ObserveInt64(size, int64(stats.Size), attrs)
			o.ObserveInt64(inUse, int64(stats.InUse), attrs)
			o.ObserveInt64(waiters, int64(stats.Waiters), attrs)
		}
		return nil
	}, size, inUse, waiters)
	return err
}

// RecordDispatch counts one tool call and its duration.
func (m *Metrics) RecordDispatch(ctx context.Context, owner, tool string, duration time.Duration, err error) {
	if m.dispatches == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("owner", owner),
		attribute.String("tool", tool),
	)
	m.dispatches.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.dispatchErrors.Add(ctx, 1, attrs)
	}
}

// RecordChainStep counts one executed chain step by status.
func (m *Metrics) RecordChainStep(ctx context.Context, chainName, status string) {
	if m.chainSteps == nil {
		return
	}
	m.chainSteps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain", chainName),
		attribute.String("status", status),
	))
}

// RecordSpill counts one oversized response written to disk.
func (m *Metrics) RecordSpill(ctx context.Context, owner, tool string) {
	if m.spills == nil {
		return
	}
	m.spills.Add(ctx, 1, metric.WithAttributes(
		attribute.String("owner", owner),
		attribute.String("tool", tool),
	))
}

// Shutdown stops the scrape endpoint and flushes the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		if err := m.prometheusServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}
