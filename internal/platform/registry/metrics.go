package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lookupsTotal counts registry lookups.
	// Labels: result (ok, cache_hit, not_found, error)
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lummia",
		Subsystem: "registry",
		Name:      "lookups_total",
		Help:      "Total CNPJ registry lookups by result",
	}, []string{"result"})

	lookupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lummia",
		Subsystem: "registry",
		Name:      "lookup_latency_seconds",
		Help:      "Upstream registry request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	})
)
