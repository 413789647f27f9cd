package store

import (
	"context"
	"encoding/json"
	"time"
)

// NoopStore discards every write and returns zero-value reads. A daemon
// run with no Postgres DSN configured falls back to this so missing
// durability never turns into a dispatch-path failure.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (NoopStore) Close() error                    { return nil }
func (NoopStore) Ping(ctx context.Context) error { return nil }

func (NoopStore) SaveManifestSnapshot(ctx context.Context, raw json.RawMessage) error {
	return nil
}

func (NoopStore) LatestManifestSnapshot(ctx context.Context) (json.RawMessage, time.Time, error) {
	return nil, time.Time{}, nil
}

func (NoopStore) RecordLiveUpdate(ctx context.Context, tenantName string, bytesTransferred int64) (*LiveUpdateRecord, error) {
	return &LiveUpdateRecord{TenantName: tenantName, BytesTransferred: bytesTransferred, OccurredAt: time.Now().UTC()}, nil
}

func (NoopStore) IncrReservationTimeout(ctx context.Context, tenantName string) error { return nil }

func (NoopStore) GetProgramStats(ctx context.Context, tenantName string) (*ProgramStats, error) {
	return &ProgramStats{TenantName: tenantName}, nil
}

func (NoopStore) ListLiveUpdateHistory(ctx context.Context, tenantName string, limit int) ([]*LiveUpdateRecord, error) {
	return nil, nil
}

var _ Store = NoopStore{}
