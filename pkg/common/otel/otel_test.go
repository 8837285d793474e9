package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/qark-armada/pkg/common/logger"
)

func TestEndpointExcluder(t *testing.T) {
	ex := newEndpointExcluder(map[string]struct{}{"/v1/liveness": {}}, 1.0)

	dropped := ex.ShouldSample(sdktrace.SamplingParameters{
		Attributes: []attribute.KeyValue{attribute.String("http.target", "/v1/liveness")},
	})
	assert.Equal(t, sdktrace.Drop, dropped.Decision)

	kept := ex.ShouldSample(sdktrace.SamplingParameters{
		Attributes: []attribute.KeyValue{attribute.String("http.target", "/api/scans")},
	})
	assert.Equal(t, sdktrace.RecordAndSample, kept.Decision)
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	assert.Equal(t, defaultTraceID, GetTraceID(context.Background()))
}

func TestInjectTracing(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")
	ctx := InjectTracing(context.Background(), tracer)
	assert.Equal(t, tracer, TracerFrom(ctx, nil))
	assert.Nil(t, TracerFrom(context.Background(), nil))
}

func TestInitTelemetryDisabled(t *testing.T) {
	tp, cleanup, err := InitTelemetry(logger.Noop(), Config{ServiceName: "test"})
	assert.NoError(t, err)
	assert.NotNil(t, tp)
	cleanup(context.Background())
}
