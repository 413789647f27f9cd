package reservation

import (
	"context"
	"sync/atomic"
	"time"
)

// MaxNodes bounds the number of reservation queues a program maintains,
// per §4.3 ("min(numa_max+1, 4)").
const MaxNodes = 4

// NodeSet is a set of per-NUMA-node Queues with round-robin initial
// population and CPU-local dequeue. A real NUMA topology query needs
// cgo or /sys parsing unavailable to a portable pure-Go binary, so node
// selection here is an atomic round-robin counter — the portable stand-
// in for "read a CPU-local node id (e.g. rdtscp)" the spec calls for;
// ordering and no-cross-queue-fairness guarantees are unaffected, only
// which CPU's request lands on which queue.
type NodeSet[T any] struct {
	queues []*Queue[T]
	rr     atomic.Uint64
}

func NewNodeSet[T any](numaNodes, capacityHint int) *NodeSet[T] {
	n := numaNodes
	if n < 1 {
		n = 1
	}
	if n > MaxNodes {
		n = MaxNodes
	}
	qs := make([]*Queue[T], n)
	for i := range qs {
		qs[i] = NewQueue[T](capacityHint)
	}
	return &NodeSet[T]{queues: qs}
}

func (s *NodeSet[T]) NumNodes() int { return len(s.queues) }

// nodeForDispatch picks the queue for the calling goroutine. FIFO holds
// within a queue; there is no fairness across queues by design (§4.3).
func (s *NodeSet[T]) nodeForDispatch() int {
	return int(s.rr.Add(1)-1) % len(s.queues)
}

// Put returns item to a node queue, round-robin across nodes so initial
// population (and steady-state returns) spread evenly.
func (s *NodeSet[T]) Put(item T) {
	s.queues[s.nodeForDispatch()].Put(item)
}

// Get dequeues from the node queue selected for the calling goroutine.
func (s *NodeSet[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	return s.queues[s.nodeForDispatch()].Get(ctx, timeout)
}

// Close closes every node queue.
func (s *NodeSet[T]) Close() {
	for _, q := range s.queues {
		q.Close()
	}
}

// Len sums the free count across every node (for stats pages).
func (s *NodeSet[T]) Len() int {
	total := 0
	for _, q := range s.queues {
		total += q.Len()
	}
	return total
}
