package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Search outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeError    = "error"
)

// Search Prometheus metrics.
var (
	SearchQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_queries_total",
			Help:      "Total number of rule search queries by outcome",
		},
		[]string{"outcome"},
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Rule search duration in seconds, fusion included",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"outcome"},
	)

	IndexBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_builds_total",
			Help:      "Index build attempts by kind and result",
		},
		[]string{"kind", "result"}, // kind: "setup" / "repair" / "reload"
	)

	CorpusChunks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "corpus_chunks",
			Help:      "Number of chunks in the active index",
		},
	)
)

var searchOnce sync.Once

// RegisterSearchMetrics registers Prometheus search metrics. Safe to call more than once.
func RegisterSearchMetrics() {
	searchOnce.Do(func() {
		prometheus.MustRegister(SearchQueriesTotal, SearchDuration, IndexBuildsTotal, CorpusChunks)
	})
}

// ObserveSearch records one finished query.
func ObserveSearch(outcome string, seconds float64) {
	SearchQueriesTotal.WithLabelValues(outcome).Inc()
	SearchDuration.WithLabelValues(outcome).Observe(seconds)
}
