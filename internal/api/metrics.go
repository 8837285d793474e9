// Package api holds the pieces shared by the HTTP surface of the service.
package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "qark_api"

// APIMetrics defines metrics operations needed by the HTTP API.
type APIMetrics interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
	IncUploadsTotal(ctx context.Context, inputType string)
	IncUploadRejected(ctx context.Context, reason string)
}

type apiMetrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	uploadsTotal    metric.Int64Counter
	uploadsRejected metric.Int64Counter
}

// NewAPIMetrics creates the API instruments on mp.
func NewAPIMetrics(mp metric.MeterProvider) (*apiMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(apiMetrics)
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.uploadsTotal, err = meter.Int64Counter(
		"uploads_total",
		metric.WithDescription("Total number of accepted artifact uploads"),
	); err != nil {
		return nil, err
	}

	if m.uploadsRejected, err = meter.Int64Counter(
		"uploads_rejected_total",
		metric.WithDescription("Total number of rejected artifact uploads"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, path string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}

func (m *apiMetrics) IncUploadsTotal(ctx context.Context, inputType string) {
	m.uploadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("input_type", inputType)))
}

func (m *apiMetrics) IncUploadRejected(ctx context.Context, reason string) {
	m.uploadsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
