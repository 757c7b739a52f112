package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", false)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger("", true)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger("loud", false)
	assert.Error(t, err)
}

func TestPrometheusRecorder(t *testing.T) {
	p := NewPrometheus()
	p.CacheDecision("FRESH")
	p.CacheDecision("FRESH")
	p.CacheDecision("MISSING")
	p.UpstreamCall("ok", 150*time.Millisecond)
	p.UpstreamCall("RATE_LIMITED", 20*time.Millisecond)
	p.RefreshSkipped("in_flight")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "adsmetrics_upstream_duration_seconds_count 2")
	body := rec.Body.String()
	assert.Contains(t, body, `adsmetrics_cache_decisions_total{state="FRESH"} 2`)
	assert.Contains(t, body, `adsmetrics_cache_decisions_total{state="MISSING"} 1`)
	assert.Contains(t, body, `adsmetrics_upstream_calls_total{outcome="RATE_LIMITED"} 1`)
	assert.Contains(t, body, `adsmetrics_refresh_skipped_total{reason="in_flight"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.CacheDecision("FRESH")
	r.UpstreamCall("ok", time.Second)
	r.RefreshSkipped("queue_full")
}

func TestTracer(t *testing.T) {
	assert.NotNil(t, Tracer())
}
