package metrics

import (
	"context"
	"time"

	"nexus-pipeline/pkg/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metrics",
	fx.Provide(NewProvider, New),
)

// Metrics exposes pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	creditsDeducted   metric.Int64Counter
	creditsRefunded   metric.Int64Counter
	jobsQueued        metric.Int64Counter
	jobsCompleted     metric.Int64Counter
	jobsFailed        metric.Int64Counter
	jobsRetried       metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
	rateLimitFailOpen metric.Int64Counter
	cacheHits         metric.Int64Counter
	cacheMisses       metric.Int64Counter
	webhookDelivered  metric.Int64Counter
	webhookFailed     metric.Int64Counter
	compensations     metric.Int64Counter
}

func NewProvider(lc fx.Lifecycle, cfg *config.Config) (metric.MeterProvider, error) {
	if !cfg.Metrics.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
	if cfg.Metrics.Endpoint != "" {
		opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Metrics.Endpoint))
	}
	exporter, err := otlpmetrichttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[Metrics] shutting down meter provider")
			return provider.Shutdown(ctx)
		},
	})

	zap.L().Info("[Metrics] initialized", zap.String("endpoint", cfg.Metrics.Endpoint))
	return provider, nil
}

func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("nexus-pipeline")

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.creditsDeducted, "nexus_credits_deducted_total"},
		{&m.creditsRefunded, "nexus_credits_refunded_total"},
		{&m.jobsQueued, "nexus_jobs_queued_total"},
		{&m.jobsCompleted, "nexus_jobs_completed_total"},
		{&m.jobsFailed, "nexus_jobs_failed_total"},
		{&m.jobsRetried, "nexus_jobs_retried_total"},
		{&m.rateLimitAllowed, "nexus_rate_limit_allowed_total"},
		{&m.rateLimitDenied, "nexus_rate_limit_denied_total"},
		{&m.rateLimitFailOpen, "nexus_rate_limit_fail_open_total"},
		{&m.cacheHits, "nexus_result_cache_hits_total"},
		{&m.cacheMisses, "nexus_result_cache_misses_total"},
		{&m.webhookDelivered, "nexus_webhook_delivered_total"},
		{&m.webhookFailed, "nexus_webhook_failed_total"},
		{&m.compensations, "nexus_submission_compensations_total"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCreditsDeducted(ctx context.Context, amount int64) {
	if m == nil {
		return
	}
	add(ctx, m.creditsDeducted, amount)
}

func (m *Metrics) RecordCreditsRefunded(ctx context.Context, amount int64) {
	if m == nil {
		return
	}
	add(ctx, m.creditsRefunded, amount)
}

func (m *Metrics) RecordJobQueued(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	add(ctx, m.jobsQueued, 1, attribute.String("job_type", jobType))
}

func (m *Metrics) RecordJobCompleted(ctx context.Context, jobType string, cached bool) {
	if m == nil {
		return
	}
	add(ctx, m.jobsCompleted, 1, attribute.String("job_type", jobType), attribute.Bool("cached", cached))
}

func (m *Metrics) RecordJobFailed(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	add(ctx, m.jobsFailed, 1, attribute.String("job_type", jobType))
}

func (m *Metrics) RecordJobRetried(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	add(ctx, m.jobsRetried, 1, attribute.String("job_type", jobType))
}

func (m *Metrics) RecordRateLimit(ctx context.Context, allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		add(ctx, m.rateLimitAllowed, 1)
		return
	}
	add(ctx, m.rateLimitDenied, 1)
}

func (m *Metrics) RecordRateLimitFailOpen(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.rateLimitFailOpen, 1)
}

func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		add(ctx, m.cacheHits, 1)
		return
	}
	add(ctx, m.cacheMisses, 1)
}

func (m *Metrics) RecordWebhook(ctx context.Context, delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		add(ctx, m.webhookDelivered, 1)
		return
	}
	add(ctx, m.webhookFailed, 1)
}

func (m *Metrics) RecordCompensation(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	add(ctx, m.compensations, 1, attribute.String("reason", reason))
}
