// Package metrics provides Prometheus metrics for fetches.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for fetch latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the opener.
type Metrics struct {
	Registry *prometheus.Registry

	FetchesTotal  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	HopsTotal      *prometheus.CounterVec
	PhaseDuration  *prometheus.HistogramVec
	RedirectsTotal *prometheus.CounterVec

	BufferSpills prometheus.Counter
	BytesTotal   *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors
// registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		Registry: reg,

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openuri_fetches_total",
			Help: "Total Open calls by initial scheme and outcome.",
		}, []string{"scheme", "outcome"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openuri_fetch_duration_seconds",
			Help:    "Open latency in seconds, all hops included.",
			Buckets: defaultBuckets,
		}, []string{"scheme"}),

		HopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openuri_hops_total",
			Help: "Total adapter calls by scheme and result.",
		}, []string{"scheme", "result"}),

		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openuri_hop_phase_duration_seconds",
			Help:    "Per-hop connection phase latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"phase"}),

		RedirectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openuri_redirects_total",
			Help: "Total redirects followed by source and destination scheme.",
		}, []string{"from", "to"}),

		BufferSpills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openuri_buffer_spills_total",
			Help: "Hop buffers moved from memory to a temporary file.",
		}),

		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openuri_body_bytes_total",
			Help: "Body bytes delivered to callers by scheme.",
		}, []string{"scheme"}),
	}

	reg.MustRegister(
		m.FetchesTotal,
		m.FetchDuration,
		m.HopsTotal,
		m.PhaseDuration,
		m.RedirectsTotal,
		m.BufferSpills,
		m.BytesTotal,
	)

	return m
}

// knownSchemes lists the allowed scheme label values (bounded cardinality).
var knownSchemes = map[string]bool{"http": true, "https": true, "ftp": true}

// NormalizeScheme returns a bounded scheme label for Prometheus metrics.
func NormalizeScheme(scheme string) string {
	s := strings.ToLower(scheme)
	if knownSchemes[s] {
		return s
	}
	return "other"
}
