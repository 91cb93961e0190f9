// Package metrics holds the process-wide Prometheus registrations shared by
// the cache core and the example wiring binary.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fc_requests_total",
			Help: "Total HTTP requests by method and path.",
		},
		[]string{"method", "path"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fc_request_duration_seconds",
			Help:    "HTTP request duration in seconds by method and path.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ResolutionsTotal counts SlotResolver passes by which tier resolved the
	// request: lossless, evict_offline, or overwrite.
	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fc_resolutions_total",
			Help: "Slot resolutions by pass.",
		},
		[]string{"pass"},
	)

	// FollowedOutcome counts Followed() call outcomes.
	FollowedOutcome = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fc_followed_outcome_total",
			Help: "Followed() outcomes: fresh_hit, stale_reload, new_load, load_error.",
		},
		[]string{"outcome"},
	)

	LoaderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fc_loader_duration_seconds",
			Help:    "Time spent awaiting the external loader.",
			Buckets: prometheus.DefBuckets,
		},
	)

	FollowOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fc_follow_ops_total",
			Help: "Follow/Unfollow operations by outcome.",
		},
		[]string{"op", "outcome"}, // op: follow|unfollow, outcome: applied|noop
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ResolutionsTotal,
		FollowedOutcome,
		LoaderDuration,
		FollowOps,
	)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler { return promhttp.Handler() }

// HTTPMiddleware records request counts and latency by method and path.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path
		RequestsTotal.WithLabelValues(r.Method, path).Inc()
		next.ServeHTTP(w, r)
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
