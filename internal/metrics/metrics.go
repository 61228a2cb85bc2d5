// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chat request outcomes used for the status label.
const (
	StatusOK          = "ok"
	StatusBadRequest  = "bad_request"
	StatusError       = "error"
	StatusStreamError = "stream_error"
)

// Metrics groups the collectors registered on one private registry.
type Metrics struct {
	registry *prometheus.Registry

	ChatRequests      *prometheus.CounterVec
	RetrievalDuration prometheus.Histogram
	TimeToFirstToken  prometheus.Histogram
	TokensPerSecond   prometheus.Histogram
	RerankerFallbacks prometheus.Counter
	RateLimited       *prometheus.CounterVec
}

// New registers the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ChatRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luca_chat_requests_total",
				Help: "Total number of chat requests by outcome",
			},
			[]string{"site", "status"},
		),
		RetrievalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "luca_retrieval_duration_seconds",
			Help:    "Time spent embedding and searching all libraries of one request",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		TimeToFirstToken: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "luca_time_to_first_token_seconds",
			Help:    "Time from request start to the first streamed token",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		TokensPerSecond: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "luca_tokens_per_second",
			Help:    "Streamed characters per second over the whole response",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800},
		}),
		RerankerFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "luca_reranker_fallbacks_total",
			Help: "Rerank calls that fell back to retrieval order",
		}),
		RateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luca_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRetrieval records one retrieval.
func (m *Metrics) ObserveRetrieval(d time.Duration) {
	m.RetrievalDuration.Observe(d.Seconds())
}

// ObserveStream records the timing of a completed stream.
func (m *Metrics) ObserveStream(ttfb time.Duration, tokensPerSecond int64) {
	if ttfb > 0 {
		m.TimeToFirstToken.Observe(ttfb.Seconds())
	}
	m.TokensPerSecond.Observe(float64(tokensPerSecond))
}

// RerankerFallback counts one fallback. The error is reported by the reranker's own log.
func (m *Metrics) RerankerFallback(error) {
	m.RerankerFallbacks.Inc()
}

// ChatRequest counts one chat request.
func (m *Metrics) ChatRequest(site, status string) {
	m.ChatRequests.WithLabelValues(site, status).Inc()
}
