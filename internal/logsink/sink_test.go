package logsink

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestNoopSink(t *testing.T) {
	sink := NewNoopSink()
	rec := Record{Tenant: "acme.test", VMType: "request", Message: "hello"}
	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("NoopSink.Write should not return error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("NoopSink.Close should not return error: %v", err)
	}
}

func TestMemorySinkDropsOldestWhenFull(t *testing.T) {
	sink := NewMemorySink(2)
	sink.Write(context.Background(), Record{Tenant: "a", Message: "1"})
	sink.Write(context.Background(), Record{Tenant: "a", Message: "2"})
	sink.Write(context.Background(), Record{Tenant: "a", Message: "3"})

	recent := sink.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected 2 buffered records, got %d", len(recent))
	}
	if recent[0].Message != "2" || recent[1].Message != "3" {
		t.Fatalf("expected oldest record dropped, got %+v", recent)
	}
}

func TestWriteFuncAdaptsSinkToCallback(t *testing.T) {
	sink := NewMemorySink(10)
	cb := WriteFunc(sink)
	cb("acme.test", "debug", "breakpoint hit")

	recent := sink.Recent()
	if len(recent) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recent))
	}
	if recent[0].Tenant != "acme.test" || recent[0].VMType != "debug" || recent[0].Message != "breakpoint hit" {
		t.Fatalf("unexpected record: %+v", recent[0])
	}
}

// mockSink records calls for testing MultiSink fan-out.
type mockSink struct {
	mu       sync.Mutex
	written  []Record
	writeErr error
	closeErr error
}

func (m *mockSink) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, rec)
	return m.writeErr
}

func (m *mockSink) Close() error { return m.closeErr }

func TestMultiSinkFanOut(t *testing.T) {
	primary := &mockSink{}
	secondary := &mockSink{}
	multi := NewMultiSink(primary, secondary)

	rec := Record{Tenant: "acme.test", Message: "multi-1"}
	if err := multi.Write(context.Background(), rec); err != nil {
		t.Fatalf("MultiSink.Write failed: %v", err)
	}
	if len(primary.written) != 1 {
		t.Fatalf("expected primary to have 1 record, got %d", len(primary.written))
	}
	if len(secondary.written) != 1 {
		t.Fatalf("expected secondary to have 1 record, got %d", len(secondary.written))
	}
}

func TestMultiSinkPrimaryErrorStillReachesSecondary(t *testing.T) {
	errPrimary := errors.New("primary failed")
	primary := &mockSink{writeErr: errPrimary}
	secondary := &mockSink{}
	multi := NewMultiSink(primary, secondary)

	err := multi.Write(context.Background(), Record{Tenant: "acme.test", Message: "err-1"})
	if !errors.Is(err, errPrimary) {
		t.Fatalf("expected primary error, got: %v", err)
	}
	if len(secondary.written) != 1 {
		t.Fatalf("expected secondary to have 1 record despite primary error, got %d", len(secondary.written))
	}
}

func TestMultiSinkClose(t *testing.T) {
	errClose := errors.New("close failed")
	primary := &mockSink{closeErr: errClose}
	secondary := &mockSink{}
	multi := NewMultiSink(primary, secondary)

	err := multi.Close()
	if !errors.Is(err, errClose) {
		t.Fatalf("expected primary close error, got: %v", err)
	}
}
