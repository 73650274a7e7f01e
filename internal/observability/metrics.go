package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// Metrics records voting engine instruments. A zero Metrics (or nil pointer)
// is valid and records nothing.
type Metrics struct {
	pollsStarted  metric.Int64Counter
	pollsStopped  metric.Int64Counter
	votes         metric.Int64Counter
	voteLatency   metric.Float64Histogram
	renderCalls   metric.Int64Counter
	renderPending metric.Int64Gauge
	tasksFired    metric.Int64Counter

	provider         *sdkmetric.MeterProvider
	prometheusServer *http.Server
}

// NewMetrics creates a collector backed by the Prometheus exporter.
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if !config.Enabled {
		return &Metrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	m, err := NewMetricsWithMeter(provider.Meter("d7bot"))
	if err != nil {
		return nil, err
	}
	m.provider = provider

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

// NewMetricsWithMeter builds the instruments on an existing meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	pollsStarted, err := meter.Int64Counter(
		"d7bot.polls.started",
		metric.WithDescription("Polls created"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create polls_started counter: %w", err)
	}

	pollsStopped, err := meter.Int64Counter(
		"d7bot.polls.stopped",
		metric.WithDescription("Polls stopped, by reason"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create polls_stopped counter: %w", err)
	}

	votes, err := meter.Int64Counter(
		"d7bot.votes.total",
		metric.WithDescription("Vote events, by result"),
		metric.WithUnit("{vote}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create votes counter: %w", err)
	}

	voteLatency, err := meter.Float64Histogram(
		"d7bot.votes.latency",
		metric.WithDescription("Vote handling latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vote_latency histogram: %w", err)
	}

	renderCalls, err := meter.Int64Counter(
		"d7bot.render.calls",
		metric.WithDescription("Outbound render calls, by result"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create render_calls counter: %w", err)
	}

	renderPending, err := meter.Int64Gauge(
		"d7bot.render.pending",
		metric.WithDescription("Render updates waiting in the throttler queue"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create render_pending gauge: %w", err)
	}

	tasksFired, err := meter.Int64Counter(
		"d7bot.tasks.fired",
		metric.WithDescription("Deferred tasks executed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_fired counter: %w", err)
	}

	return &Metrics{
		pollsStarted:  pollsStarted,
		pollsStopped:  pollsStopped,
		votes:         votes,
		voteLatency:   voteLatency,
		renderCalls:   renderCalls,
		renderPending: renderPending,
		tasksFired:    tasksFired,
	}, nil
}

// Serve runs the Prometheus endpoint until ctx is cancelled. It returns
// immediately when no port is configured.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || m.prometheusServer == nil {
		return nil
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.prometheusServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("prometheus server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.prometheusServer.Shutdown(shutdownCtx)
	}
}

// Shutdown flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordPollStarted counts a created poll.
func (m *Metrics) RecordPollStarted(ctx context.Context, kind string) {
	if m == nil || m.pollsStarted == nil {
		return
	}
	m.pollsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPollStopped counts a stopped poll; reason is stop, expired or corrupted.
func (m *Metrics) RecordPollStopped(ctx context.Context, reason string) {
	if m == nil || m.pollsStopped == nil {
		return
	}
	m.pollsStopped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordVote counts a vote event; result is changed, unchanged or rejected.
func (m *Metrics) RecordVote(ctx context.Context, result string, latency time.Duration) {
	if m == nil || m.votes == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.votes.Add(ctx, 1, attrs)
	m.voteLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordRenderCall counts a throttled platform call; result is ok, rate_limited or dropped.
func (m *Metrics) RecordRenderCall(ctx context.Context, result string) {
	if m == nil || m.renderCalls == nil {
		return
	}
	m.renderCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRenderPending reports the current throttler queue depth.
func (m *Metrics) RecordRenderPending(ctx context.Context, depth int) {
	if m == nil || m.renderPending == nil {
		return
	}
	m.renderPending.Record(ctx, int64(depth))
}

// RecordTaskFired counts an executed deferred task.
func (m *Metrics) RecordTaskFired(ctx context.Context) {
	if m == nil || m.tasksFired == nil {
		return
	}
	m.tasksFired.Add(ctx, 1)
}
