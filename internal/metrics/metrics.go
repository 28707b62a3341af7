// Package metrics provides Prometheus instrumentation for the court queue. It
// exposes counters for suggestion outcomes and court assignments, and
// histograms for suggestion latency and eligible queue depth.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SuggestionsTotal counts engine invocations by outcome reason.
	SuggestionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "court_suggestions_total",
		Help: "Total number of match suggestions computed, by reason",
	}, []string{"reason"}) // ok, session_not_found, insufficient_queue, insufficient_eligible, no_cross_team_pair

	// SuggestDuration records snapshot load plus engine time in seconds.
	SuggestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "court_suggest_duration_seconds",
		Help:    "Time to load a snapshot and compute a suggestion",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// EligibleEntries records how many entries survived eligibility filtering.
	EligibleEntries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "court_eligible_entries",
		Help:    "Number of eligible queue entries per suggestion",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	// AssignmentsTotal counts attempts to fill a free court, labeled by result.
	AssignmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "court_assignments_total",
		Help: "Total number of court assignment attempts, by result",
	}, []string{"result"}) // assigned, no_suggestion, stale, court_busy, locked, error

	// FreeCourts tracks free courts seen by the last sweep.
	FreeCourts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "court_free_courts",
		Help: "Number of available courts in open sessions at the last sweep",
	})

	// ExpiredEntriesTotal counts queue entries expired by the cleanup loop.
	ExpiredEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "court_expired_entries_total",
		Help: "Total number of queued entries expired for staleness",
	})

	// RateLimitedTotal counts suggest requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "court_suggest_rate_limited_total",
		Help: "Total number of suggest requests rejected by rate limiting",
	})
)

func init() {
	prometheus.MustRegister(
		SuggestionsTotal,
		SuggestDuration,
		EligibleEntries,
		AssignmentsTotal,
		FreeCourts,
		ExpiredEntriesTotal,
		RateLimitedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
