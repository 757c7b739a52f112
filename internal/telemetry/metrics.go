package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives the cache's lifecycle events.
type Recorder interface {
	// CacheDecision is called once per read with the freshness state found.
	CacheDecision(state string)
	// UpstreamCall is called after every upstream fetch with its outcome code
	// ("ok" or an error code).
	UpstreamCall(outcome string, elapsed time.Duration)
	// RefreshSkipped is called when a refresh was not started.
	RefreshSkipped(reason string)
}

// NoopRecorder ignores every event.
type NoopRecorder struct{}

func (NoopRecorder) CacheDecision(string)               {}
func (NoopRecorder) UpstreamCall(string, time.Duration) {}
func (NoopRecorder) RefreshSkipped(string)              {}

// Prometheus records events into its own registry.
type Prometheus struct {
	registry  *prometheus.Registry
	decisions *prometheus.CounterVec
	upstream  *prometheus.CounterVec
	latency   prometheus.Histogram
	skips     *prometheus.CounterVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the proxy's collectors plus the Go and process
// collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsmetrics_cache_decisions_total",
			Help: "Cache reads by freshness state.",
		}, []string{"state"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsmetrics_upstream_calls_total",
			Help: "Upstream fetches by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adsmetrics_upstream_duration_seconds",
			Help:    "Upstream fetch latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adsmetrics_refresh_skipped_total",
			Help: "Refreshes not started, by reason.",
		}, []string{"reason"}),
	}
	p.registry.MustRegister(
		p.decisions, p.upstream, p.latency, p.skips,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) CacheDecision(state string) {
	p.decisions.WithLabelValues(state).Inc()
}

func (p *Prometheus) UpstreamCall(outcome string, elapsed time.Duration) {
	p.upstream.WithLabelValues(outcome).Inc()
	p.latency.Observe(elapsed.Seconds())
}

func (p *Prometheus) RefreshSkipped(reason string) {
	p.skips.WithLabelValues(reason).Inc()
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
