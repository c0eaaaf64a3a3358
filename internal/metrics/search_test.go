package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveSearch(t *testing.T) {
	before := testutil.ToFloat64(SearchQueriesTotal.WithLabelValues(OutcomeDegraded))

	ObserveSearch(OutcomeDegraded, 0.02)

	after := testutil.ToFloat64(SearchQueriesTotal.WithLabelValues(OutcomeDegraded))
	if after != before+1 {
		t.Errorf("search_queries_total{outcome=degraded} = %f, want %f", after, before+1)
	}
	if testutil.CollectAndCount(SearchDuration) == 0 {
		t.Error("expected search_duration_seconds observations")
	}
}

func TestRegister_Idempotent(t *testing.T) {
	RegisterSearchMetrics()
	RegisterSearchMetrics()
	RegisterEmbeddingMetrics()
	RegisterEmbeddingMetrics()
}
