package risk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// classificationsTotal counts classifier runs.
	// Labels: outcome (determined, undetermined, empty, error)
	classificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lummia",
		Subsystem: "risk",
		Name:      "classifications_total",
		Help:      "Total classification batches by outcome",
	}, []string{"outcome"})

	// codeResultsTotal counts per-code results by tier.
	// Labels: tier (NA, I, II, III, P, N/A)
	codeResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lummia",
		Subsystem: "risk",
		Name:      "code_results_total",
		Help:      "Total per-code classification results by tier",
	}, []string{"tier"})

	classificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lummia",
		Subsystem: "risk",
		Name:      "classification_latency_seconds",
		Help:      "Classification batch latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	requiredQuestions = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lummia",
		Subsystem: "risk",
		Name:      "required_questions",
		Help:      "Number of distinct questions required per batch",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
	})

	// environmentalResultsTotal counts environmental results by status.
	environmentalResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lummia",
		Subsystem: "risk",
		Name:      "environmental_results_total",
		Help:      "Total per-code environmental results by status",
	}, []string{"status"})
)

func observeClassification(outcome string, start time.Time, resp *ClassifyResponse) {
	classificationsTotal.WithLabelValues(outcome).Inc()
	classificationLatency.Observe(time.Since(start).Seconds())
	requiredQuestions.Observe(float64(len(resp.RequiredQuestions)))
	for _, r := range resp.Results {
		codeResultsTotal.WithLabelValues(string(r.Tier)).Inc()
	}
}
