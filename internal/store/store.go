// Package store is ambient durability (§"Persistence"): a Postgres
// snapshot of the tenant manifest for restart recovery and audit, plus
// per-tenant ProgramStats and a LiveUpdateHistory trail. None of it
// sits on the request hot path — a dispatch or live-update succeeds or
// fails independently of whether the store write behind it lands.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// ProgramStats is the running counters for one tenant, updated
// asynchronously off the hot path.
type ProgramStats struct {
	TenantName              string    `json:"tenant_name"`
	LiveUpdateCount         int64     `json:"live_update_count"`
	LiveUpdateBytes         int64     `json:"live_update_bytes"`
	ReservationTimeoutCount int64     `json:"reservation_timeout_count"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// LiveUpdateRecord is one row of LiveUpdateHistory: a single live-update
// call. OldGeneration/NewGeneration are per-tenant sequence numbers this
// store assigns itself (the engine's Program Instance carries no
// generation id of its own), incrementing once per successful update.
type LiveUpdateRecord struct {
	ID               int64     `json:"id"`
	TenantName       string    `json:"tenant_name"`
	OldGeneration    int64     `json:"old_generation"`
	NewGeneration    int64     `json:"new_generation"`
	BytesTransferred int64     `json:"bytes_transferred"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Store is the persistence surface the daemon wires in. Implementations
// must tolerate being nil-backed (a daemon run with no Postgres DSN
// configured degrades to in-memory bookkeeping only, never to a
// dispatch failure).
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// SaveManifestSnapshot records the manifest as parsed at daemon
	// startup or after a reload, for restart recovery and audit.
	SaveManifestSnapshot(ctx context.Context, raw json.RawMessage) error
	// LatestManifestSnapshot returns the most recently saved snapshot,
	// or (nil, zero time, nil) if none has been saved yet.
	LatestManifestSnapshot(ctx context.Context) (json.RawMessage, time.Time, error)

	// RecordLiveUpdate appends a LiveUpdateHistory row and bumps the
	// tenant's ProgramStats counters, assigning the next generation
	// number for that tenant.
	RecordLiveUpdate(ctx context.Context, tenantName string, bytesTransferred int64) (*LiveUpdateRecord, error)
	// IncrReservationTimeout bumps a tenant's ProgramStats timeout
	// counter; the dispatcher calls it, off the request path, when a
	// reservation fails.
	IncrReservationTimeout(ctx context.Context, tenantName string) error

	GetProgramStats(ctx context.Context, tenantName string) (*ProgramStats, error)
	ListLiveUpdateHistory(ctx context.Context, tenantName string, limit int) ([]*LiveUpdateRecord, error)
}
