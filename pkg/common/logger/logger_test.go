package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesMetadataAndTraceID(t *testing.T) {
	var buf bytes.Buffer
	traceID := func(context.Context) string { return "abc123" }

	log := NewWithMetadata(&buf, LevelInfo, "qark-api", traceID, Events{}, map[string]string{
		"hostname": "host-1",
		"pod":      "",
	})
	log.Info(context.Background(), "startup", "status", "ok")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "startup", rec["msg"])
	assert.Equal(t, "qark-api", rec["service"])
	assert.Equal(t, "host-1", rec["hostname"])
	assert.Equal(t, "abc123", rec["trace_id"])
	assert.Equal(t, "ok", rec["status"])
	assert.NotContains(t, rec, "pod")
}

func TestLoggerRespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "svc", nil)

	log.Debug(context.Background(), "dropped")
	log.Info(context.Background(), "dropped")
	log.Warn(context.Background(), "kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestLoggerErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}

	log := NewWithEvents(&buf, LevelInfo, "svc", nil, events)
	log.Error(context.Background(), "stage failed", "job_id", "j1")

	assert.Equal(t, "stage failed", got.Message)
	assert.Equal(t, "j1", got.Attributes["job_id"])
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "svc", nil).With("component", "orchestrator")
	log.Info(context.Background(), "hello")
	assert.True(t, strings.Contains(buf.String(), `"component":"orchestrator"`))
}

func TestFanout(t *testing.T) {
	var primary, secondary bytes.Buffer
	log := Fanout(New(&primary, LevelInfo, "svc", nil), slog.NewJSONHandler(&secondary, nil))

	log.Info(context.Background(), "both")

	assert.Contains(t, primary.String(), "both")
	assert.Contains(t, secondary.String(), "both")
}

func TestNoopDiscards(t *testing.T) {
	log := Noop().With("k", "v")
	assert.NotPanics(t, func() { log.Error(context.Background(), "nothing") })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
