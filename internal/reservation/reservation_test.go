package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tinyhost/kvmengine/internal/domain"
)

func TestQueueGetBlocksUntilPut(t *testing.T) {
	q := NewQueue[int](1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Put(42)
	}()
	v, err := q.Get(context.Background(), time.Second)
	if err != nil || v != 42 {
		t.Fatalf("Get() = %v, %v", v, err)
	}
}

func TestQueueGetTimesOut(t *testing.T) {
	q := NewQueue[int](1)
	_, err := q.Get(context.Background(), 30*time.Millisecond)
	if err != domain.ErrQueueTimeout {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
}

func TestQueueGetRespectsContextCancel(t *testing.T) {
	q := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := q.Get(ctx, time.Second)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// TestReservationLiveness is P1: for <= capacity concurrent reservations,
// every reservation completes within max_queue_time or reports
// QueueTimeout, and none is ever lost — every item Put eventually comes
// back out exactly once.
func TestReservationLiveness(t *testing.T) {
	const capacity = 4
	q := NewQueue[int](capacity)
	for i := 0; i < capacity; i++ {
		q.Put(i)
	}

	seen := make(map[int]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < capacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := q.Get(context.Background(), time.Second)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			mu.Lock()
			seen[v]++
			mu.Unlock()
			q.Put(v)
		}()
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != capacity {
		t.Fatalf("expected every item dequeued exactly once across goroutines, got %v", seen)
	}
}

// TestReservationReleaseIdempotent is P2's exclusivity half: Release
// must be safe to call multiple times and the item must reappear in the
// queue exactly once.
func TestReservationReleaseIdempotent(t *testing.T) {
	q := NewQueue[string](1)
	r := NewReservation("vm-1", q.Put)
	r.Release()
	r.Release()
	r.Release()
	if got := q.Len(); got != 1 {
		t.Fatalf("expected exactly one item back in queue, got %d", got)
	}
}

func TestNodeSetRoutesAcrossNodes(t *testing.T) {
	ns := NewNodeSet[int](4, 2)
	if ns.NumNodes() != 4 {
		t.Fatalf("expected 4 nodes, got %d", ns.NumNodes())
	}
	for i := 0; i < 8; i++ {
		ns.Put(i)
	}
	if got := ns.Len(); got != 8 {
		t.Fatalf("Len() = %d, want 8", got)
	}
	for i, q := range ns.queues {
		if got := q.Len(); got != 2 {
			t.Fatalf("node %d holds %d items, want 2 (round-robin over 4 nodes)", i, got)
		}
	}
}

func TestNodeSetCapsAtMaxNodes(t *testing.T) {
	ns := NewNodeSet[int](64, 1)
	if ns.NumNodes() != MaxNodes {
		t.Fatalf("expected capped at %d nodes, got %d", MaxNodes, ns.NumNodes())
	}
}
