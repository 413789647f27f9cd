package domain

import "sync/atomic"

// ProgramStats accumulates counters for one Program Instance across its
// lifetime. All fields are updated off the hot path or via atomics so
// reads never block a reservation.
type ProgramStats struct {
	LiveUpdateCount       atomic.Int64
	LiveUpdateBytes       atomic.Int64
	ReservationTimeouts   atomic.Int64
	RequestsServed        atomic.Int64
	WarmupRequestsServed  atomic.Int64 // tracked separately; does not count toward RequestsServed
	ResetCount            atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy suitable for JSON
// encoding on a stats page.
type StatsSnapshot struct {
	LiveUpdateCount      int64 `json:"live_update_count"`
	LiveUpdateBytes      int64 `json:"live_update_bytes"`
	ReservationTimeouts  int64 `json:"reservation_timeouts"`
	RequestsServed       int64 `json:"requests_served"`
	WarmupRequestsServed int64 `json:"warmup_requests_served"`
	ResetCount           int64 `json:"reset_count"`
}

func (s *ProgramStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		LiveUpdateCount:      s.LiveUpdateCount.Load(),
		LiveUpdateBytes:      s.LiveUpdateBytes.Load(),
		ReservationTimeouts:  s.ReservationTimeouts.Load(),
		RequestsServed:       s.RequestsServed.Load(),
		WarmupRequestsServed: s.WarmupRequestsServed.Load(),
		ResetCount:           s.ResetCount.Load(),
	}
}
