package artifact

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	artifactFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_artifact_fetch_total",
			Help: "Number of payloads downloaded, by repository.",
		},
		[]string{"repository"},
	)
	artifactCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_artifact_cache_hits_total",
			Help: "Number of closure members served from the cache without network access.",
		},
	)
	artifactResolutionErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_artifact_resolution_errors_total",
			Help: "Number of Resolve calls that failed.",
		},
	)
	artifactResolutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conduit_artifact_resolution_duration_seconds",
			Help:    "Time taken to resolve a coordinate and its closure.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		artifactFetchTotal,
		artifactCacheHitsTotal,
		artifactResolutionErrorsTotal,
		artifactResolutionDuration,
	)
}
