// Package metrics exposes Prometheus collectors for the tracker service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kallsyms/distscrape/internal/track"
)

var (
	trackerSubmissionsTotal    *prometheus.CounterVec
	trackerLeasesGrantedTotal  prometheus.Counter
	trackerReportsTotal        *prometheus.CounterVec
	trackerSweepReclaimedTotal prometheus.Counter
	trackerItems               *prometheus.GaugeVec
	trackerActiveWorkers       prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		trackerSubmissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_submissions_total",
				Help: "Total number of submitted items, labeled by ingestion result.",
			},
			[]string{"result"},
		)

		trackerLeasesGrantedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tracker_leases_granted_total",
				Help: "Total number of leases granted to workers.",
			},
		)

		trackerReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_reports_total",
				Help: "Total number of item reports, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		trackerSweepReclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tracker_sweep_reclaimed_total",
				Help: "Total number of expired leases reclaimed by the sweep.",
			},
		)

		trackerItems = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracker_items",
				Help: "Number of tracked items, labeled by state.",
			},
			[]string{"state"},
		)

		trackerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_active_workers",
				Help: "Number of workers currently processing a leased item.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmissions records the split of an ingestion batch.
func ObserveSubmissions(accepted, duplicates int) {
	if accepted > 0 {
		trackerSubmissionsTotal.WithLabelValues("accepted").Add(float64(accepted))
	}
	if duplicates > 0 {
		trackerSubmissionsTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	}
}

// ObserveLeasesGranted adds the size of a granted batch.
func ObserveLeasesGranted(n int) {
	if n > 0 {
		trackerLeasesGrantedTotal.Add(float64(n))
	}
}

// ObserveReport increments the report counter for the given outcome.
func ObserveReport(outcome string) {
	trackerReportsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSweep adds the number of leases a sweep pass reclaimed.
func ObserveSweep(reclaimed int) {
	if reclaimed > 0 {
		trackerSweepReclaimedTotal.Add(float64(reclaimed))
	}
}

// SetItemStates publishes per-state item counts.
func SetItemStates(stats track.Stats) {
	trackerItems.WithLabelValues(string(track.StatePending)).Set(float64(stats.Pending))
	trackerItems.WithLabelValues(string(track.StateLeased)).Set(float64(stats.Leased))
	trackerItems.WithLabelValues(string(track.StateDone)).Set(float64(stats.Done))
	trackerItems.WithLabelValues(string(track.StateDiscarded)).Set(float64(stats.Discarded))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	trackerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	trackerActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
