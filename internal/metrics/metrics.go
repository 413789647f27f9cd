// Package metrics collects and exposes the engine's runtime
// observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-tenant counters + time series)
//     for the lightweight JSON /_admin/stats endpoint used by a status page.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets a status page work without a Prometheus sidecar
// while still supporting an external monitoring stack.
//
// # Concurrency — hot path
//
// RecordRequest is called from the dispatcher on every request and must
// be as fast as possible. It uses atomic increments for global counters
// and dispatches a lightweight event onto a buffered channel (tsChan)
// for the time-series worker to process asynchronously. This avoids
// holding any lock on the request path.
//
// The per-tenant TenantMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-tenant entries is
// read-heavy and write-once-per-new-tenant, which is the ideal use case
// for sync.Map.
//
// # Invariants
//
//   - TotalRequests == SuccessRequests + FailedRequests (maintained by
//     RecordRequest).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are
//     counted in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Requests     int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes the engine's request-path metrics.
type Metrics struct {
	// Dispatch metrics (internal/dispatch.Dispatcher.Handle)
	TotalRequests   atomic.Int64
	SuccessRequests atomic.Int64
	FailedRequests  atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Reservation queue metrics (internal/reservation, internal/program)
	ReservationTimeouts    atomic.Int64
	TotalReservationWaitMs atomic.Int64

	// Storage RPC metrics (internal/storagerpc.Serializer)
	TotalStorageCalls  atomic.Int64
	FailedStorageCalls atomic.Int64
	TotalStorageCallMs atomic.Int64

	// Live update metrics (§4.6/§9)
	LiveUpdates     atomic.Int64
	LiveUpdateBytes atomic.Int64

	// Response cache metrics (internal/respcache)
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64

	// Rate limit / admission metrics (internal/ratelimit)
	RateLimitAllowed atomic.Int64
	RateLimitDenied  atomic.Int64

	// Per-tenant metrics
	tenantMetrics sync.Map // tenant -> *TenantMetrics

	// Time-series data (minute buckets for last 24 hours), tracking
	// request volume rather than per-function invocation volume.
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention
// on the request path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// TenantMetrics tracks request metrics for a single tenant.
type TenantMetrics struct {
	Requests  atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordRequest records one Dispatcher.Handle completion: durationMs
// spans resolve through harvest (§4.4 steps 1-10).
func (m *Metrics) RecordRequest(tenant string, durationMs int64, success bool) {
	m.TotalRequests.Add(1)
	if success {
		m.SuccessRequests.Add(1)
	} else {
		m.FailedRequests.Add(1)
	}
	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	tm := m.getTenantMetrics(tenant)
	tm.Requests.Add(1)
	if success {
		tm.Successes.Add(1)
	} else {
		tm.Failures.Add(1)
	}
	tm.TotalMs.Add(durationMs)
	updateMin(&tm.MinMs, durationMs)
	updateMax(&tm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)

	outcome := "success"
	if !success {
		outcome = "error"
	}
	RecordPrometheusRequest(tenant, outcome, durationMs)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the request path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called
// from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Requests++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordReservationWait records the time a request spent blocked in the
// VM pool reservation queue (internal/program.Instance.Reserve) before
// it either got a VM or timed out.
func (m *Metrics) RecordReservationWait(tenant string, waitMs int64, timedOut bool) {
	m.TotalReservationWaitMs.Add(waitMs)
	if timedOut {
		m.ReservationTimeouts.Add(1)
	}
	RecordPrometheusReservationWait(tenant, waitMs, timedOut)
}

// RecordStorageCall records one Serializer.StorageCall round trip.
func (m *Metrics) RecordStorageCall(tenant string, durationMs int64, err error) {
	m.TotalStorageCalls.Add(1)
	m.TotalStorageCallMs.Add(durationMs)
	if err != nil {
		m.FailedStorageCalls.Add(1)
	}
	RecordPrometheusStorageCall(tenant, durationMs, err)
}

// RecordLiveUpdate records a completed live_update_call storage
// transfer of n bytes (§4.6/§9).
func (m *Metrics) RecordLiveUpdate(tenant string, n int64) {
	m.LiveUpdates.Add(1)
	m.LiveUpdateBytes.Add(n)
	RecordPrometheusLiveUpdate(tenant, n)
}

// RecordCacheHit records a response-cache lookup that served an entry
// at the given freshness ("fresh" or "stale").
func (m *Metrics) RecordCacheHit(tenant, freshness string) {
	m.CacheHits.Add(1)
	RecordPrometheusCacheHit(tenant, freshness)
}

// RecordCacheMiss records a response-cache lookup that found nothing
// servable.
func (m *Metrics) RecordCacheMiss(tenant string) {
	m.CacheMisses.Add(1)
	RecordPrometheusCacheMiss(tenant)
}

// RecordRateLimitDecision records one self-request admission decision
// (internal/ratelimit.Limiter.Allow).
func (m *Metrics) RecordRateLimitDecision(tenant string, allowed bool) {
	if allowed {
		m.RateLimitAllowed.Add(1)
	} else {
		m.RateLimitDenied.Add(1)
	}
	RecordPrometheusRateLimitDecision(tenant, allowed)
}

func (m *Metrics) getTenantMetrics(tenant string) *TenantMetrics {
	if v, ok := m.tenantMetrics.Load(tenant); ok {
		return v.(*TenantMetrics)
	}

	tm := &TenantMetrics{}
	tm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.tenantMetrics.LoadOrStore(tenant, tm)
	return actual.(*TenantMetrics)
}

// GetTenantMetrics returns the metrics for a specific tenant (or nil if
// none recorded yet).
func (m *Metrics) GetTenantMetrics(tenant string) *TenantMetrics {
	if v, ok := m.tenantMetrics.Load(tenant); ok {
		return v.(*TenantMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalRequests.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	storageCalls := m.TotalStorageCalls.Load()
	avgStorageMs := float64(0)
	if storageCalls > 0 {
		avgStorageMs = float64(m.TotalStorageCallMs.Load()) / float64(storageCalls)
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"requests": map[string]interface{}{
			"total":   total,
			"success": m.SuccessRequests.Load(),
			"failed":  m.FailedRequests.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"reservation": map[string]interface{}{
			"timeouts":      m.ReservationTimeouts.Load(),
			"total_wait_ms": m.TotalReservationWaitMs.Load(),
		},
		"storage_rpc": map[string]interface{}{
			"calls":  storageCalls,
			"failed": m.FailedStorageCalls.Load(),
			"avg_ms": avgStorageMs,
		},
		"live_update": map[string]interface{}{
			"count": m.LiveUpdates.Load(),
			"bytes": m.LiveUpdateBytes.Load(),
		},
		"cache": map[string]interface{}{
			"hits":   m.CacheHits.Load(),
			"misses": m.CacheMisses.Load(),
		},
		"rate_limit": map[string]interface{}{
			"allowed": m.RateLimitAllowed.Load(),
			"denied":  m.RateLimitDenied.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// TenantStats returns per-tenant request metrics.
func (m *Metrics) TenantStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.tenantMetrics.Range(func(key, value interface{}) bool {
		tenant := key.(string)
		tm := value.(*TenantMetrics)

		total := tm.Requests.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(tm.TotalMs.Load()) / float64(total)
		}

		minMs := tm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[tenant] = map[string]interface{}{
			"requests":  total,
			"successes": tm.Successes.Load(),
			"failures":  tm.Failures.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    tm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["tenants"] = m.TenantStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"requests":     bucket.Requests,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
