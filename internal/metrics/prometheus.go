package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the engine's request
// path: dispatch, reservation, storage RPC, live update, response cache
// and rate limiting (§4.3-§4.6, §6, §9).
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Dispatch (internal/dispatch.Dispatcher.Handle)
	requestsTotal  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	activeRequests *prometheus.GaugeVec

	// Reservation queue (internal/reservation.Queue, internal/program.Instance.Reserve)
	reservationWait     *prometheus.HistogramVec
	reservationTimeouts *prometheus.CounterVec
	reservationQueued   *prometheus.GaugeVec

	// Storage RPC (internal/storagerpc.Serializer)
	storageCallLatency *prometheus.HistogramVec
	storageCallErrors  *prometheus.CounterVec

	// Live update (§4.6/§9)
	liveUpdatesTotal     *prometheus.CounterVec
	liveUpdateBytesTotal *prometheus.CounterVec

	// Response cache (internal/respcache, internal/cache)
	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec

	// Rate limiting / admission (internal/ratelimit)
	rateLimitDecisionsTotal *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

// defaultBuckets are histogram bucket bounds in milliseconds, spanning a
// warm storage RPC (sub-millisecond) up to a queue wait near a tenant's
// configured max_queue_time.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total requests dispatched, by tenant and outcome",
			},
			[]string{"tenant", "outcome"},
		),

		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "Dispatcher.Handle latency from resolve through harvest",
				Buckets:   buckets,
			},
			[]string{"tenant"},
		),

		activeRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Requests currently inside Dispatcher.Handle",
			},
			[]string{"tenant"},
		),

		reservationWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reservation_wait_milliseconds",
				Help:      "Time spent blocked in the VM pool reservation queue",
				Buckets:   buckets,
			},
			[]string{"tenant"},
		),

		reservationTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservation_timeouts_total",
				Help:      "Reservations that exceeded the tenant group's max_queue_time",
			},
			[]string{"tenant"},
		),

		reservationQueued: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reservation_queue_depth",
				Help:      "Reservations currently waiting for a free VM",
			},
			[]string{"tenant"},
		),

		storageCallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_call_duration_milliseconds",
				Help:      "STORAGE_CALLV round-trip latency through the Serializer",
				Buckets:   buckets,
			},
			[]string{"tenant"},
		),

		storageCallErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_call_errors_total",
				Help:      "STORAGE_CALLV invocations that returned an error",
			},
			[]string{"tenant"},
		),

		liveUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_updates_total",
				Help:      "Completed live_update_call storage transfers",
			},
			[]string{"tenant"},
		),

		liveUpdateBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_update_bytes_total",
				Help:      "Bytes transferred from old to new storage VM across all live updates",
			},
			[]string{"tenant"},
		),

		cacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Response cache hits, by freshness",
			},
			[]string{"tenant", "freshness"},
		),

		cacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Response cache misses",
			},
			[]string{"tenant"},
		),

		rateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Self-request admission decisions, by outcome",
			},
			[]string{"tenant", "decision"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.requestsTotal,
		pm.requestLatency,
		pm.activeRequests,
		pm.reservationWait,
		pm.reservationTimeouts,
		pm.reservationQueued,
		pm.storageCallLatency,
		pm.storageCallErrors,
		pm.liveUpdatesTotal,
		pm.liveUpdateBytesTotal,
		pm.cacheHitsTotal,
		pm.cacheMissesTotal,
		pm.rateLimitDecisionsTotal,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordPrometheusRequest records one Dispatcher.Handle completion.
func RecordPrometheusRequest(tenant, outcome string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.requestsTotal.WithLabelValues(tenant, outcome).Inc()
	promMetrics.requestLatency.WithLabelValues(tenant).Observe(float64(durationMs))
}

// IncActiveRequests marks one more request as inside Dispatcher.Handle.
func IncActiveRequests(tenant string) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.WithLabelValues(tenant).Inc()
}

// DecActiveRequests marks a request as having left Dispatcher.Handle.
func DecActiveRequests(tenant string) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeRequests.WithLabelValues(tenant).Dec()
}

// RecordPrometheusReservationWait records the time a request spent
// blocked in the VM pool reservation queue before it either got a VM or
// timed out.
func RecordPrometheusReservationWait(tenant string, durationMs int64, timedOut bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.reservationWait.WithLabelValues(tenant).Observe(float64(durationMs))
	if timedOut {
		promMetrics.reservationTimeouts.WithLabelValues(tenant).Inc()
	}
}

// SetReservationQueueDepth reports the current Queue.Len() for tenant.
func SetReservationQueueDepth(tenant string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.reservationQueued.WithLabelValues(tenant).Set(float64(depth))
}

// RecordPrometheusStorageCall records one Serializer.StorageCall round
// trip.
func RecordPrometheusStorageCall(tenant string, durationMs int64, err error) {
	if promMetrics == nil {
		return
	}
	promMetrics.storageCallLatency.WithLabelValues(tenant).Observe(float64(durationMs))
	if err != nil {
		promMetrics.storageCallErrors.WithLabelValues(tenant).Inc()
	}
}

// RecordPrometheusLiveUpdate records a completed live_update_call
// storage transfer of n bytes.
func RecordPrometheusLiveUpdate(tenant string, n int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.liveUpdatesTotal.WithLabelValues(tenant).Inc()
	promMetrics.liveUpdateBytesTotal.WithLabelValues(tenant).Add(float64(n))
}

// RecordPrometheusCacheHit records a response-cache lookup that served
// an entry at the given freshness ("fresh" or "stale").
func RecordPrometheusCacheHit(tenant, freshness string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheHitsTotal.WithLabelValues(tenant, freshness).Inc()
}

// RecordPrometheusCacheMiss records a response-cache lookup that found
// nothing servable (miss, keep, or expired).
func RecordPrometheusCacheMiss(tenant string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheMissesTotal.WithLabelValues(tenant).Inc()
}

// RecordPrometheusRateLimitDecision records one self-request admission
// decision.
func RecordPrometheusRateLimitDecision(tenant string, allowed bool) {
	if promMetrics == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	promMetrics.rateLimitDecisionsTotal.WithLabelValues(tenant, decision).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics
// scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry, for embedders that
// need to register additional collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
