package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestConcurrencyLimiterBoundsInFlight(t *testing.T) {
	cl := NewConcurrencyLimiter()
	release1, err := cl.Acquire(context.Background(), "acme.test", 1)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := cl.Acquire(ctx, "acme.test", 1); err == nil {
		t.Fatal("expected second Acquire to block until context deadline")
	}

	release1()
	release2, err := cl.Acquire(context.Background(), "acme.test", 1)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}

func TestConcurrencyLimiterZeroMaxDisablesBound(t *testing.T) {
	cl := NewConcurrencyLimiter()
	for i := 0; i < 5; i++ {
		release, err := cl.Acquire(context.Background(), "acme.test", 0)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		release()
	}
}

func TestConcurrencyLimiterIsolatesTenants(t *testing.T) {
	cl := NewConcurrencyLimiter()
	releaseA, err := cl.Acquire(context.Background(), "a.test", 1)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer releaseA()

	releaseB, err := cl.Acquire(context.Background(), "b.test", 1)
	if err != nil {
		t.Fatalf("acquire b should not block on a's slot: %v", err)
	}
	releaseB()
}
