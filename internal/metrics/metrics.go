// Package metrics exposes Prometheus collectors for the store harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestUnitsTotal           *prometheus.CounterVec
	harvestAttemptsTotal        *prometheus.CounterVec
	harvestChallengesTotal      *prometheus.CounterVec
	harvestNavigationSeconds    *prometheus.HistogramVec
	harvestBackoffSeconds       prometheus.Histogram
	harvestProxyReportsTotal    *prometheus.CounterVec
	harvestProxyIdentities      *prometheus.GaugeVec
	harvestRecordsTotal         *prometheus.CounterVec
	harvestActiveWorkers        prometheus.Gauge
	harvestSolveDurationSeconds prometheus.Histogram
	harvestProductSearchesTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestUnitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_units_total",
				Help: "Work units reaching a terminal state, labeled by kind and state.",
			},
			[]string{"kind", "state"},
		)

		harvestAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_attempts_total",
				Help: "Dispatch attempts, labeled by kind and navigation outcome.",
			},
			[]string{"kind", "outcome"},
		)

		harvestChallengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_challenges_total",
				Help: "Challenge pages encountered, labeled by type and result.",
			},
			[]string{"type", "result"},
		)

		harvestNavigationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_navigation_duration_seconds",
				Help:    "Histogram of browser navigation latencies, labeled by site.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site"},
		)

		harvestBackoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_backoff_seconds",
				Help:    "Histogram of retry backoff waits.",
				Buckets: []float64{1, 2, 4, 8, 16, 30},
			},
		)

		harvestProxyReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_proxy_reports_total",
				Help: "Identity health reports, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvestProxyIdentities = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvest_proxy_identities",
				Help: "Number of pool identities per health state.",
			},
			[]string{"health"},
		)

		harvestRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_records_total",
				Help: "Store records offered to the result set, labeled by merge result.",
			},
			[]string{"result"},
		)

		harvestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of workers currently running a work unit.",
			},
		)

		harvestSolveDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_solve_duration_seconds",
				Help:    "Histogram of challenge solve latencies.",
				Buckets: []float64{5, 10, 20, 40, 60, 90, 120},
			},
		)

		harvestProductSearchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_product_searches_total",
				Help: "Store product search calls, labeled by query and result.",
			},
			[]string{"query", "result"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveUnit counts a work unit reaching a terminal state.
func ObserveUnit(kind, state string) {
	Init()
	harvestUnitsTotal.WithLabelValues(kind, state).Inc()
}

// ObserveAttempt counts one dispatch attempt and its navigation outcome.
func ObserveAttempt(kind, outcome string) {
	Init()
	harvestAttemptsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveChallenge counts a challenge and how it was resolved.
func ObserveChallenge(challengeType, result string) {
	Init()
	harvestChallengesTotal.WithLabelValues(challengeType, result).Inc()
}

// ObserveNavigation records a navigation latency.
func ObserveNavigation(rawURL string, duration time.Duration) {
	Init()
	harvestNavigationSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveBackoff records a retry backoff wait.
func ObserveBackoff(duration time.Duration) {
	Init()
	harvestBackoffSeconds.Observe(duration.Seconds())
}

// ObserveSolve records how long a challenge solve took.
func ObserveSolve(duration time.Duration) {
	Init()
	harvestSolveDurationSeconds.Observe(duration.Seconds())
}

// ObserveProxyReport counts an identity health report.
func ObserveProxyReport(outcome string) {
	Init()
	harvestProxyReportsTotal.WithLabelValues(outcome).Inc()
}

// SetProxyIdentities sets the number of identities in a health state.
func SetProxyIdentities(health string, n int) {
	Init()
	harvestProxyIdentities.WithLabelValues(health).Set(float64(n))
}

// ObserveRecord counts a merge-insert result ("inserted", "replaced", "kept").
func ObserveRecord(result string) {
	Init()
	harvestRecordsTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	harvestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	harvestActiveWorkers.Dec()
}

// ObserveProductSearch counts one store product search call.
func ObserveProductSearch(query, result string) {
	Init()
	harvestProductSearchesTotal.WithLabelValues(query, result).Inc()
}
