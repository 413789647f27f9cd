package store

import (
	"context"
	"testing"
)

func TestNoopStoreRecordLiveUpdateReturnsBytesTransferred(t *testing.T) {
	s := NewNoopStore()
	rec, err := s.RecordLiveUpdate(context.Background(), "acme.test", 4096)
	if err != nil {
		t.Fatalf("RecordLiveUpdate: %v", err)
	}
	if rec.TenantName != "acme.test" || rec.BytesTransferred != 4096 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestNoopStoreGetProgramStatsDefaultsToZero(t *testing.T) {
	s := NewNoopStore()
	stats, err := s.GetProgramStats(context.Background(), "acme.test")
	if err != nil {
		t.Fatalf("GetProgramStats: %v", err)
	}
	if stats.LiveUpdateCount != 0 || stats.ReservationTimeoutCount != 0 {
		t.Fatalf("expected zero-value stats, got %+v", stats)
	}
}

func TestNoopStoreLatestManifestSnapshotEmpty(t *testing.T) {
	s := NewNoopStore()
	raw, takenAt, err := s.LatestManifestSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LatestManifestSnapshot: %v", err)
	}
	if raw != nil || !takenAt.IsZero() {
		t.Fatalf("expected empty snapshot, got raw=%v takenAt=%v", raw, takenAt)
	}
}
