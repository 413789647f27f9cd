package reservation

import "sync/atomic"

// Reservation is the RAII-style handle §4.3 describes: it carries the
// reserved item and guarantees Release runs at most once no matter how
// many call sites defer it on different exit paths.
type Reservation[T any] struct {
	Item     T
	released atomic.Bool
	release  func(T)
}

// NewReservation wraps item with release, which the caller supplies
// (typically a NodeSet.Put plus any caller-visible cleanup, such as a
// reset before the item goes back).
func NewReservation[T any](item T, release func(T)) *Reservation[T] {
	return &Reservation[T]{Item: item, release: release}
}

// Release returns the item to its queue exactly once; safe to call from
// a defer on every dispatcher exit path (§4.3: "a release closure
// registered with the hosting request context so that release is
// guaranteed on every exit path").
func (r *Reservation[T]) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.release(r.Item)
	}
}
