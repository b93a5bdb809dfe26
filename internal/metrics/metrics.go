// Package metrics exposes Prometheus collectors for the ingest pipeline
// and the query service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal      *prometheus.CounterVec
	documentsEnrichedTotal *prometheus.CounterVec
	queueDepth             prometheus.Gauge
	deadLettersTotal       *prometheus.CounterVec
	searchDurationSeconds  prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archivum_pages_fetched_total",
				Help: "Total pages fetched, labeled by HTTP status.",
			},
			[]string{"status"},
		)

		documentsEnrichedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archivum_documents_enriched_total",
				Help: "Total enrichment attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archivum_queue_depth",
				Help: "Number of live messages in the work queue.",
			},
		)

		deadLettersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archivum_dead_letters_total",
				Help: "Total items routed to a dead-letter channel, labeled by source.",
			},
			[]string{"source"},
		)

		searchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archivum_search_duration_seconds",
				Help:    "Histogram of search request latencies.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts a completed fetch by status code (0 = network error).
func ObserveFetch(statusCode int) {
	if pagesFetchedTotal == nil {
		return
	}
	pagesFetchedTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// ObserveEnrichment counts an enrichment attempt by outcome.
func ObserveEnrichment(outcome string) {
	if documentsEnrichedTotal == nil {
		return
	}
	documentsEnrichedTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current live-message count.
func SetQueueDepth(n int) {
	if queueDepth == nil {
		return
	}
	queueDepth.Set(float64(n))
}

// ObserveDeadLetter counts a dead-lettered item by source.
func ObserveDeadLetter(source string) {
	if deadLettersTotal == nil {
		return
	}
	deadLettersTotal.WithLabelValues(source).Inc()
}

// ObserveSearch records the duration of one search request.
func ObserveSearch(d time.Duration) {
	if searchDurationSeconds == nil {
		return
	}
	searchDurationSeconds.Observe(d.Seconds())
}
