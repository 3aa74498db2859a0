// Package coroutine provides the suspension primitive blockqueue's
// collaborators use to express a wait-for-someone-else-to-finish point as
// straight-line code, the same role QEMU's CoQueue (qemu_co_queue_wait /
// qemu_co_queue_next) plays around the original table cache
// (_examples/original_source/block/qcow2-cache.c). It is not a scheduler:
// it only parks and wakes goroutines in FIFO order.
package coroutine

import "sync"

// WaitQueue parks callers until explicitly released by Next or Broadcast.
// The zero value is ready to use.
type WaitQueue struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Wait blocks the calling goroutine until a subsequent Next or Broadcast
// call releases it. Must not be called while holding any lock the release
// side needs to acquire to make progress.
func (q *WaitQueue) Wait() {
	ch := make(chan struct{})
	q.mu.Lock()
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()
	<-ch
}

// Next wakes the single oldest waiter, if any, mirroring
// qemu_co_queue_next's single-wakeup semantics. Reports whether a waiter
// was woken.
func (q *WaitQueue) Next() bool {
	q.mu.Lock()
	if len(q.waiters) == 0 {
		q.mu.Unlock()
		return false
	}
	ch := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.mu.Unlock()
	close(ch)
	return true
}

// Broadcast wakes every currently parked waiter.
func (q *WaitQueue) Broadcast() {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Len reports the number of currently parked waiters. Intended for tests
// and instrumentation only.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
