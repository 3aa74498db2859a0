package blockqueue

import (
	"time"

	"code.hybscloud.com/iox"

	"github.com/ehrlich-b/blockqueue/internal/bufpool"
	"github.com/ehrlich-b/blockqueue/internal/interfaces"
	"github.com/ehrlich-b/blockqueue/internal/logging"
)

// Queue is the write-back block request queue (spec.md §3, "Queue"). It
// owns every live Request by stable id (see arena), buffers writes into
// ordered sections separated by barriers, answers reads consistently from
// its own buffered state, and dispatches to an asynchronous Backend with
// strict ordering across barriers.
//
// Queue is not safe for concurrent use (spec.md §5): there is exactly one
// owning execution context. A Backend whose completions arrive on a
// different goroutine must relay them back to whichever goroutine calls
// Poll/Flush — see internal/interfaces.Drainer and backend/mem.go.
type Queue struct {
	backend      interfaces.Backend
	errorHandler func(err error) bool
	logger       interfaces.Logger
	observer     interfaces.Observer
	policy       DispatchPolicy
	writethrough bool

	arena *arena

	pending      []uint64
	sections     []uint64
	inFlight     []uint64
	inFlightKind requestKind

	waitersForCB      int
	barriersRequested uint64
	barriersSubmitted uint64

	flushing  bool
	errorCode *Error
}

// Config parameterizes New, mirroring ehrlich-b-go-ublk's
// DeviceParams/Options split (backend.go): the one required collaborator
// (Backend) plus everything governing cache mode, batching policy, error
// recovery, and instrumentation. There is no separate "Options" struct
// here because, unlike the teacher's device lifecycle, a Queue has no
// context.Context of its own to thread through construction.
type Config struct {
	// Backend is the required block backend collaborator.
	Backend interfaces.Backend

	// ErrorHandler decides, for each failing completion, whether the
	// queue should keep running (spec.md §4.1.5's keep_queue). A nil
	// ErrorHandler always returns false (fatal: report via Flush).
	ErrorHandler func(err error) bool

	// Logger defaults to logging.Default() and Observer to NoOpObserver
	// when nil.
	Logger   interfaces.Logger
	Observer interfaces.Observer

	// Policy governs auto-dispatch and barrier batching.
	Policy DispatchPolicy
}

// DefaultConfig returns a Config wired to backend with the default
// dispatch policy and a fatal (keep_queue=false) error handler, the
// equivalent of ehrlich-b-go-ublk's DefaultParams(backend).
func DefaultConfig(backend interfaces.Backend) Config {
	return Config{
		Backend:      backend,
		ErrorHandler: func(error) bool { return false },
		Policy:       DefaultDispatchPolicy(),
	}
}

// New creates a Queue bound to cfg.Backend (spec.md §4.1.1's create).
func New(cfg Config) (*Queue, error) {
	if cfg.Backend == nil {
		return nil, NewError("New", CodeInvalidParameters, "Config.Backend is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}
	errorHandler := cfg.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(error) bool { return false }
	}

	q := &Queue{
		backend:      cfg.Backend,
		errorHandler: errorHandler,
		logger:       logger,
		observer:     observer,
		policy:       cfg.Policy,
		writethrough: cfg.Backend.OpenFlags().Writethrough(),
		arena:        newArena(),
	}
	return q, nil
}

// IsEmpty reports whether pending and in_flight are both empty (spec.md
// §4.1.1's is_empty).
func (q *Queue) IsEmpty() bool {
	return len(q.pending) == 0 && len(q.inFlight) == 0
}

// PendingLen, InFlightCount, WaitersForCB, BarriersRequested, and
// BarriersSubmitted expose the spec.md §3 counters directly, for callers
// that want to inspect queue state without installing an Observer.
func (q *Queue) PendingLen() int           { return len(q.pending) }
func (q *Queue) InFlightCount() int        { return len(q.inFlight) }
func (q *Queue) WaitersForCB() int         { return q.waitersForCB }
func (q *Queue) BarriersRequested() uint64 { return q.barriersRequested }
func (q *Queue) BarriersSubmitted() uint64 { return q.barriersSubmitted }

// Poll drains whatever backend completions are currently available (if
// the Backend implements interfaces.Drainer) and runs the dispatcher once.
// It returns the number of completions it drained. Callers that disabled
// DispatchPolicy.AutoDispatch, or whose Backend delivers completions on a
// goroutine other than the caller's, drive the queue forward by calling
// Poll in a loop.
func (q *Queue) Poll() int {
	n := 0
	if d, ok := q.backend.(interfaces.Drainer); ok {
		n = d.Drain()
	}
	q.runDispatcher()
	return n
}

// syncWrite forwards a write to the backend and blocks the calling
// goroutine until its completion fires, for writethrough mode (spec.md
// §4.1.1, "on writethrough forwards to the backend synchronously") and is
// the same synchronous-wrapper-over-an-async-primitive idiom tablecache
// uses for its own writethrough release path.
func (q *Queue) syncWrite(offset uint64, buf []byte) error {
	done := make(chan error, 1)
	if _, err := q.backend.AIOPWrite(offset, buf, func(cbErr error) { done <- cbErr }); err != nil {
		return errValue(errGenericIO(err))
	}
	return errValue(errGenericIO(q.awaitCompletion(done)))
}

func (q *Queue) syncFlush() error {
	done := make(chan error, 1)
	if _, err := q.backend.AIOFlush(func(cbErr error) { done <- cbErr }); err != nil {
		return errValue(errGenericIO(err))
	}
	return errValue(errGenericIO(q.awaitCompletion(done)))
}

// awaitCompletion blocks the calling goroutine until done fires, actively
// draining the backend in the meantime. A Backend whose completions are
// only delivered by an explicit Drain call (backend/mem.go's dedicated
// worker goroutine, testing.go's SyncMemBackend) would otherwise never
// fire done: nothing else calls Drain while this same goroutine sits
// blocked on the channel. Mirrors Flush's own Drain-and-backoff loop.
func (q *Queue) awaitCompletion(done chan error) error {
	backoff := iox.Backoff{}
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		if d, ok := q.backend.(interfaces.Drainer); ok {
			if d.Drain() > 0 {
				backoff.Reset()
				continue
			}
		}
		backoff.Wait()
	}
}

// PWrite enqueues a write on c's queue (spec.md §4.1.1's pwrite). In
// writeback mode this never blocks on the backend; in writethrough mode it
// forwards synchronously and the queue's own state stays empty (invariant
// 6).
func (c *Context) PWrite(offset uint64, buf []byte) error {
	q := c.queue
	if len(buf) == 0 {
		return nil
	}
	if q.writethrough {
		return q.syncWrite(offset, buf)
	}

	data := bufpool.Get(len(buf))
	copy(data, buf)

	worklist := []byteRange{{offset: offset, size: len(buf)}}
	worklist = q.scanOverlap(q.pending, c, c.section, worklist, func(req *request, match byteRange) {
		copyIn(req, match, data, offset)
	})
	q.raiseSectionForOverlaps(q.inFlight, c, worklist)

	for _, r := range worklist {
		sub := bufpool.Get(r.size)
		copy(sub, data[r.offset-offset:r.end()-offset])
		q.insertWrite(c, r.offset, sub)
	}
	bufpool.Put(data)

	q.notifyObserver()
	if q.policy.AutoDispatch {
		q.runDispatcher()
	}
	return nil
}

// PRead satisfies a read, possibly partially from pending, partially from
// in_flight, and the remainder from the backend (spec.md §4.1.1's pread,
// §4.1.3's overlap engine).
func (c *Context) PRead(offset uint64, buf []byte) error {
	q := c.queue
	if len(buf) == 0 {
		return nil
	}

	worklist := []byteRange{{offset: offset, size: len(buf)}}
	worklist = q.scanOverlap(q.pending, c, 0, worklist, func(req *request, match byteRange) {
		copyOut(buf, offset, req, match)
	})
	worklist = q.scanOverlap(q.inFlight, c, 0, worklist, func(req *request, match byteRange) {
		copyOut(buf, offset, req, match)
	})

	for _, r := range worklist {
		if err := q.backend.PRead(r.offset, buf[r.offset-offset:r.end()-offset]); err != nil {
			return errGenericIO(err)
		}
	}
	return nil
}

// findMergeBarrier returns the first barrier in sections (ascending by
// construction) whose section is >= s, used by both Barrier and AIOFlush.
func (q *Queue) findMergeBarrier(s uint64) (id uint64, section uint64, ok bool) {
	for _, bID := range q.sections {
		b := q.arena.get(bID)
		if b != nil && b.section >= s {
			return bID, b.section, true
		}
	}
	return 0, 0, false
}

// findInsertionBarrier returns the first barrier in sections whose section
// is >= s, along with its current index in pending, used to place a new
// Write before it (spec.md §4.1.2's second bullet).
func (q *Queue) findInsertionBarrier(s uint64) (pendingIdx int, section uint64, ok bool) {
	for _, bID := range q.sections {
		b := q.arena.get(bID)
		if b == nil || b.section < s {
			continue
		}
		for i, pid := range q.pending {
			if pid == bID {
				return i, b.section, true
			}
		}
	}
	return 0, 0, false
}

// tailSection returns the section of the last request in pending, or 0 if
// pending is empty.
func (q *Queue) tailSection() uint64 {
	if len(q.pending) == 0 {
		return 0
	}
	tail := q.arena.get(q.pending[len(q.pending)-1])
	if tail == nil {
		return 0
	}
	return tail.section
}

// insertWrite places a new Write request at offset/buf, applying spec.md
// §4.1.2's placement rule: before the barrier for the smallest section
// index >= ctx.section, or appended if none exists.
func (q *Queue) insertWrite(ctx *Context, offset uint64, buf []byte) {
	req := &request{kind: kindWrite, offset: offset, buf: buf, section: ctx.section}
	id := q.arena.alloc(req)

	idx, barrierSection, found := q.findInsertionBarrier(ctx.section)
	if !found {
		q.pending = append(q.pending, id)
		return
	}

	req.section = barrierSection
	ctx.raiseSection(barrierSection)
	q.pending = append(q.pending, 0)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = id
}

// Barrier enqueues or merges a barrier at c's current section, advancing c
// (spec.md §4.1.1's barrier, §4.1.2's third bullet).
func (c *Context) Barrier() error {
	q := c.queue
	if q.writethrough {
		return nil
	}
	s := c.section

	if _, bSection, ok := q.findMergeBarrier(s); ok {
		c.raiseSection(bSection + 1)
		if q.policy.AutoDispatch {
			q.runDispatcher()
		}
		return nil
	}

	newSection := s
	if t := q.tailSection(); t > newSection {
		newSection = t
	}
	req := &request{kind: kindBarrier, section: newSection}
	id := q.arena.alloc(req)
	q.pending = append(q.pending, id)
	q.sections = append(q.sections, id)
	q.barriersRequested++
	c.raiseSection(newSection + 1)

	q.notifyObserver()
	if q.policy.AutoDispatch {
		q.runDispatcher()
	}
	return nil
}

// waiterHandle is the cancel handle AIOFlush returns (spec.md §5,
// "Cancellation"): cancelling detaches the waiter from its barrier request
// without touching the barrier itself.
type waiterHandle struct {
	queue *Queue
	reqID uint64
	w     *waiter
}

func (h *waiterHandle) Cancel() {
	req := h.queue.arena.get(h.reqID)
	if req == nil {
		return
	}
	if req.removeWaiter(h.w) {
		h.queue.waitersForCB--
		h.queue.notifyObserver()
	}
}

var _ interfaces.AIOHandle = (*waiterHandle)(nil)

// noopCancelHandle is returned by AIOFlush in writethrough mode, where the
// callback has already fired synchronously and there is nothing left to
// cancel.
type noopCancelHandle struct{}

func (noopCancelHandle) Cancel() {}

// AIOFlush inserts a non-mergeable barrier (except for the tail-merge
// exception below) and attaches a waiter that fires when everything up to
// that barrier has been durably completed (spec.md §4.1.1's aio_flush).
//
// spec.md §9's Open Question on the historical merge exception is
// preserved here: a barrier carrying a waiter may only merge with an
// existing barrier that is the final request in pending; this keeps the
// promise that the waiter fires only once everything known at call time is
// durable, rather than only up to some earlier, already-superseded
// section.
func (c *Context) AIOFlush(cb func(err error)) interfaces.AIOHandle {
	q := c.queue
	if q.writethrough {
		cb(q.syncFlush())
		return noopCancelHandle{}
	}
	s := c.section

	if bID, bSection, ok := q.findMergeBarrier(s); ok && len(q.pending) > 0 && q.pending[len(q.pending)-1] == bID {
		b := q.arena.get(bID)
		w := b.addWaiter(cb)
		q.waitersForCB++
		c.raiseSection(bSection + 1)
		q.notifyObserver()
		if q.policy.AutoDispatch {
			q.runDispatcher()
		}
		return &waiterHandle{queue: q, reqID: bID, w: w}
	}

	newSection := s
	if t := q.tailSection(); t > newSection {
		newSection = t
	}
	req := &request{kind: kindBarrier, section: newSection}
	id := q.arena.alloc(req)
	w := req.addWaiter(cb)
	q.pending = append(q.pending, id)
	q.sections = append(q.sections, id)
	q.barriersRequested++
	q.waitersForCB++
	c.raiseSection(newSection + 1)

	q.notifyObserver()
	if q.policy.AutoDispatch {
		q.runDispatcher()
	}
	return &waiterHandle{queue: q, reqID: id, w: w}
}

// errValue converts a possibly-nil *Error into an error interface value
// without tripping the typed-nil-interface trap (a nil *Error stored
// directly into an error variable is a non-nil interface).
func errValue(e *Error) error {
	if e == nil {
		return nil
	}
	return e
}

// onCompletion handles a Write or Barrier's backend completion (spec.md
// §4.1.5), invoked by the dispatcher's submitOne via the closure it passes
// to AIOPWrite/AIOFlush.
func (q *Queue) onCompletion(id uint64, cbErr error) {
	req := q.arena.get(id)
	if req == nil {
		return
	}

	for i, fid := range q.inFlight {
		if fid == id {
			q.inFlight = append(q.inFlight[:i], q.inFlight[i+1:]...)
			break
		}
	}

	kind := "write"
	if req.kind == kindBarrier {
		kind = "barrier"
	}
	success := cbErr == nil

	var failErr *Error
	if !success {
		newErr := errGenericIO(cbErr)
		if q.errorCode == nil || !q.errorCode.Code.Sticky() {
			if q.errorCode != nil {
				q.logger.Warnf("error_code transition id=%d: %s -> %s", id, q.errorCode.Code, newErr.Code)
			}
			q.errorCode = newErr
		} else {
			q.logger.Debugf("sticky %s error_code not overwritten by id=%d's %s", q.errorCode.Code, id, newErr.Code)
		}
		failErr = q.errorCode
		q.logger.Warnf("%s completion failed id=%d: %v", kind, id, failErr)
	}

	n := req.fireWaiters(errValue(failErr))
	q.waitersForCB -= n

	var latencyNs uint64
	if !req.submittedAt.IsZero() {
		latencyNs = uint64(time.Since(req.submittedAt).Nanoseconds())
	}
	q.observer.ObserveCompletion(kind, latencyNs, success)

	if !success {
		keepQueue := q.errorHandler(failErr)

		for _, pid := range q.pending {
			if pid == id {
				continue
			}
			if preq := q.arena.get(pid); preq != nil {
				m := preq.fireWaiters(failErr)
				q.waitersForCB -= m
			}
		}

		if keepQueue {
			q.logger.Warnf("error handler kept the queue running after id=%d; re-queued at head", id)
			q.errorCode = nil
			q.pending = append([]uint64{id}, q.pending...)
			if req.kind == kindBarrier {
				q.sections = append([]uint64{id}, q.sections...)
			}
		} else {
			q.logger.Warnf("error handler marked id=%d fatal; draining %d pending request(s)", id, len(q.pending))
			for _, pid := range q.pending {
				q.arena.free(pid)
			}
			q.pending = nil
			q.sections = nil
			q.arena.free(id)
		}
	} else {
		q.arena.free(id)
	}

	q.notifyObserver()
	// spec.md §4.1.5 step 4: on keep_queue the dispatcher is deliberately
	// not restarted (the producer environment is expected to resume and
	// restart it later); on a fatal completion pending was just drained,
	// so there is nothing left to submit either way.
	if success && q.policy.AutoDispatch {
		q.runDispatcher()
	}
}

// Flush drains all pending work synchronously and returns the sticky
// error, if any (spec.md §4.1.1's flush, §7's "both reports and consumes
// it"). While flushing, the dispatcher treats barriers as non-deferrable
// (spec.md §4.1.6's FLUSHING state).
func (q *Queue) Flush() error {
	if q.writethrough {
		return nil
	}
	q.flushing = true
	defer func() { q.flushing = false }()

	backoff := iox.Backoff{}
	for {
		q.runDispatcher()
		if len(q.pending) == 0 && len(q.inFlight) == 0 {
			break
		}
		if len(q.inFlight) == 0 {
			// Nothing outstanding and the dispatcher still refused: either
			// a sticky error blocks submission, or a barrier is waiting on
			// a threshold flushing no longer enforces — submitOne would
			// have taken it, so the only remaining reason is errorCode.
			break
		}
		if d, ok := q.backend.(interfaces.Drainer); ok {
			if d.Drain() > 0 {
				backoff.Reset()
				continue
			}
		}
		backoff.Wait()
	}

	if q.errorCode != nil {
		err := q.errorCode
		q.errorCode = nil
		return err
	}
	return nil
}

// Destroy fully drains the queue and releases its resources (spec.md
// §4.1.1's destroy). It panics if requests remain outstanding after a
// flush that did not report an error — the "hard assertion" spec.md calls
// for, since that can only happen from a queue bug, not a backend failure
// (which Flush already surfaces as a returned error).
func (q *Queue) Destroy() error {
	err := q.Flush()
	if err == nil && !q.IsEmpty() {
		panic("blockqueue: destroy called with requests still outstanding after a clean flush")
	}
	return err
}

// notifyObserver pushes every gauge to the installed Observer.
func (q *Queue) notifyObserver() {
	q.observer.ObservePendingLen(len(q.pending))
	q.observer.ObserveInFlightCount(len(q.inFlight))
	q.observer.ObserveBarriersRequested(q.barriersRequested)
	q.observer.ObserveBarriersSubmitted(q.barriersSubmitted)
	q.observer.ObserveWaitersForCB(q.waitersForCB)
}
