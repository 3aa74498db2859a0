package blockqueue

import "time"

// requestKind distinguishes the two members of the Request tagged variant
// (spec.md §3, "Entities").
type requestKind int

const (
	kindWrite requestKind = iota
	kindBarrier
)

// waiter is a completion handle attached to a specific request. aio_flush
// is the only operation that creates one directly, but the completion path
// treats every request's waiter list uniformly (spec.md §4.1.5).
type waiter struct {
	id   uint64
	live bool
	cb   func(err error)
}

// request is the arena-resident representation of spec.md's Request
// entity. Requests are never referenced by pointer outside the arena;
// every external or cross-structure reference is by id, per spec.md §9's
// "represent requests by stable identifiers (arena indices)" strategy —
// this is what lets pending/sections/in_flight be three independent slices
// of uint64 instead of an intrusive dual-linked list.
type request struct {
	id      uint64
	kind    requestKind
	offset  uint64
	buf     []byte // meaningful only for kindWrite
	section uint64
	waiters []*waiter

	// submittedAt is set by the dispatcher when the request is moved into
	// in_flight, purely for the completion-latency histogram (Observer);
	// the queue's own ordering logic never reads it.
	submittedAt time.Time
}

func (r *request) size() int {
	return len(r.buf)
}

// addWaiter attaches a new waiter to the request and returns it.
func (r *request) addWaiter(cb func(err error)) *waiter {
	w := &waiter{live: true, cb: cb}
	r.waiters = append(r.waiters, w)
	return w
}

// removeWaiter detaches w from the request without firing its callback,
// implementing aio_flush cancellation (spec.md §5, "Cancellation").
func (r *request) removeWaiter(w *waiter) bool {
	for i, cand := range r.waiters {
		if cand == w {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// fireWaiters invokes and clears every waiter attached to the request,
// reporting err (nil on success). Returns the number of waiters fired, for
// waiters_for_cb bookkeeping.
func (r *request) fireWaiters(err error) int {
	n := 0
	for _, w := range r.waiters {
		if !w.live {
			continue
		}
		w.live = false
		w.cb(err)
		n++
	}
	r.waiters = nil
	return n
}

// arena owns every live request by stable id, replacing the intrusive
// doubly-linked lists of the historical design (spec.md §9).
type arena struct {
	requests map[uint64]*request
	nextID   uint64
}

func newArena() *arena {
	return &arena{requests: make(map[uint64]*request)}
}

func (a *arena) alloc(r *request) uint64 {
	a.nextID++
	r.id = a.nextID
	a.requests[r.id] = r
	return r.id
}

func (a *arena) get(id uint64) *request {
	return a.requests[id]
}

func (a *arena) free(id uint64) {
	delete(a.requests, id)
}
