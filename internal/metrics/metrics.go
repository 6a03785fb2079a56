package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts Obtain calls served from a Ready record
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jpeg_export_cache_hits_total",
		Help: "Number of export requests served from the bundle cache",
	})

	// CacheMisses counts Obtain calls that required a build
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jpeg_export_cache_misses_total",
		Help: "Number of export requests that missed the bundle cache",
	})

	// BuildsTotal counts bundle builds by result
	BuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jpeg_export_builds_total",
		Help: "Number of bundle builds by result",
	}, []string{"result"})

	// BuildDuration observes how long bundle builds take
	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jpeg_export_build_duration_seconds",
		Help:    "Duration of bundle builds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// FetchRetries counts transient image fetch failures that were retried
	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jpeg_export_fetch_retries_total",
		Help: "Number of retried image fetches",
	})

	// ImagesOmitted counts images omitted from bundles under the failure tolerance
	ImagesOmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jpeg_export_images_omitted_total",
		Help: "Number of images omitted from bundles after permanent fetch failures",
	})

	// SweepDeletions counts bundles removed by the expiry sweeper
	SweepDeletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jpeg_export_sweep_deletions_total",
		Help: "Number of expired bundles deleted by the sweeper",
	})

	// PrecacheStudies counts studies submitted by the pre-cache scheduler
	PrecacheStudies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jpeg_export_precache_studies_total",
		Help: "Number of studies submitted for pre-caching",
	})
)
