package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/qark-armada/internal/app/report"
)

// ScanMetrics defines the metrics recorded by the orchestrator and registry.
type ScanMetrics interface {
	report.Metrics

	// Job metrics
	IncJobsCreated(ctx context.Context)
	IncJobsCompleted(ctx context.Context)
	IncJobsFailed(ctx context.Context, stage, kind string)
	IncJobsDeleted(ctx context.Context)

	// Pool metrics
	AddQueueDepth(ctx context.Context, delta int)
	AddBusyWorkers(ctx context.Context, delta int)
	ObserveStageDuration(ctx context.Context, stage string, d time.Duration)
}

// scanMetrics implements ScanMetrics.
type scanMetrics struct {
	jobsCreated   metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	jobsDeleted   metric.Int64Counter

	queueDepth    metric.Int64UpDownCounter
	busyWorkers   metric.Int64UpDownCounter
	stageDuration metric.Float64Histogram

	reportCacheHits   metric.Int64Counter
	reportCacheMisses metric.Int64Counter
	reportRenderTime  metric.Float64Histogram
}

const namespace = "qark"

// NewScanMetrics creates the scan metrics instruments on mp.
func NewScanMetrics(mp metric.MeterProvider) (*scanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(scanMetrics)
	var err error

	if m.jobsCreated, err = meter.Int64Counter(
		"jobs_created_total",
		metric.WithDescription("Total number of scan jobs created"),
	); err != nil {
		return nil, err
	}

	if m.jobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of scan jobs that completed"),
	); err != nil {
		return nil, err
	}

	if m.jobsFailed, err = meter.Int64Counter(
		"jobs_failed_total",
		metric.WithDescription("Total number of scan jobs that failed, by stage and cause"),
	); err != nil {
		return nil, err
	}

	if m.jobsDeleted, err = meter.Int64Counter(
		"jobs_deleted_total",
		metric.WithDescription("Total number of scan jobs deleted"),
	); err != nil {
		return nil, err
	}

	if m.queueDepth, err = meter.Int64UpDownCounter(
		"queue_depth",
		metric.WithDescription("Number of pending jobs waiting for a worker"),
	); err != nil {
		return nil, err
	}

	if m.busyWorkers, err = meter.Int64UpDownCounter(
		"busy_workers",
		metric.WithDescription("Number of workers currently running a job"),
	); err != nil {
		return nil, err
	}

	if m.stageDuration, err = meter.Float64Histogram(
		"stage_duration_seconds",
		metric.WithDescription("Time spent in each pipeline stage"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 300, 600, 1200),
	); err != nil {
		return nil, err
	}

	if m.reportCacheHits, err = meter.Int64Counter(
		"report_cache_hits_total",
		metric.WithDescription("Report requests served from the cache"),
	); err != nil {
		return nil, err
	}

	if m.reportCacheMisses, err = meter.Int64Counter(
		"report_cache_misses_total",
		metric.WithDescription("Report requests that required a render"),
	); err != nil {
		return nil, err
	}

	if m.reportRenderTime, err = meter.Float64Histogram(
		"report_render_seconds",
		metric.WithDescription("Time spent rendering a report"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *scanMetrics) IncJobsCreated(ctx context.Context)   { m.jobsCreated.Add(ctx, 1) }
func (m *scanMetrics) IncJobsCompleted(ctx context.Context) { m.jobsCompleted.Add(ctx, 1) }
func (m *scanMetrics) IncJobsDeleted(ctx context.Context)   { m.jobsDeleted.Add(ctx, 1) }

func (m *scanMetrics) IncJobsFailed(ctx context.Context, stage, kind string) {
	m.jobsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("kind", kind),
	))
}

func (m *scanMetrics) AddQueueDepth(ctx context.Context, delta int) {
	m.queueDepth.Add(ctx, int64(delta))
}

func (m *scanMetrics) AddBusyWorkers(ctx context.Context, delta int) {
	m.busyWorkers.Add(ctx, int64(delta))
}

func (m *scanMetrics) ObserveStageDuration(ctx context.Context, stage string, d time.Duration) {
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *scanMetrics) IncReportCacheHit(ctx context.Context, format string) {
	m.reportCacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("format", format)))
}

func (m *scanMetrics) IncReportCacheMiss(ctx context.Context, format string) {
	m.reportCacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("format", format)))
}

func (m *scanMetrics) ObserveReportRender(ctx context.Context, format string, d time.Duration) {
	m.reportRenderTime.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("format", format)))
}
