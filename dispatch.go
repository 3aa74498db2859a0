package blockqueue

import (
	"time"

	"github.com/ehrlich-b/blockqueue/internal/constants"
)

// DispatchPolicy parameterizes when the dispatcher is allowed to submit
// work, replacing the historical "#ifdef RUN_TESTS" compile-time toggle
// (spec.md §9) with a runtime policy object. Tests that want to control
// dispatch timing by hand set AutoDispatch to false and call Queue.Poll
// (or Flush) explicitly.
type DispatchPolicy struct {
	// AutoDispatch runs the dispatcher after every PWrite/Barrier/AIOFlush
	// call and from every successful completion callback; a failed
	// completion does not restart it (spec.md §4.1.4, "runs (a) after each
	// pwrite/barrier in non-test builds"). Disable for deterministic tests
	// that want to inspect pending/in_flight between steps.
	AutoDispatch bool

	// BarrierBatchThreshold is the pending_len a Barrier at the head of
	// pending must see before it is eligible to be submitted while the
	// queue is not flushing and has no attached aio_flush waiters
	// (spec.md §4.1.4 rule 3, §9 "a policy knob, not an invariant").
	BarrierBatchThreshold int
}

// DefaultDispatchPolicy matches the historical batching heuristic.
func DefaultDispatchPolicy() DispatchPolicy {
	return DispatchPolicy{
		AutoDispatch:          true,
		BarrierBatchThreshold: constants.DefaultBarrierBatchThreshold,
	}
}

// runDispatcher loops submitOne until it stops making progress, matching
// "Each invocation loops while submit_one succeeds" (spec.md §4.1.4).
func (q *Queue) runDispatcher() {
	for q.submitOne() {
	}
}

// submitOne applies the three dispatcher rules (spec.md §4.1.4) to the
// head of pending and, if eligible, moves it into in_flight and issues the
// matching async backend call. Returns whether it submitted anything.
func (q *Queue) submitOne() bool {
	if q.errorCode != nil {
		return false
	}
	if len(q.inFlight) > 0 {
		return false
	}
	if len(q.pending) == 0 {
		return false
	}

	headID := q.pending[0]
	head := q.arena.get(headID)

	if head.kind == kindBarrier && !q.flushing && q.waitersForCB == 0 {
		if len(q.pending) < q.policy.BarrierBatchThreshold {
			q.logger.Debugf("deferring barrier id=%d: pending_len=%d below threshold=%d", headID, len(q.pending), q.policy.BarrierBatchThreshold)
			return false
		}
	}

	q.pending = q.pending[1:]
	q.inFlight = append(q.inFlight, headID)
	q.inFlightKind = head.kind
	head.submittedAt = time.Now()

	if head.kind == kindBarrier {
		// Once dispatched, this barrier is no longer a merge/placement
		// target (spec.md §3 invariant 2 scopes sections to pending); drop
		// it here rather than waiting for its completion to pop it, so a
		// write or barrier arriving while it is in_flight searches only
		// the barriers still actually eligible to merge or insert before.
		for i, sid := range q.sections {
			if sid == headID {
				q.sections = append(q.sections[:i], q.sections[i+1:]...)
				break
			}
		}
	}

	switch head.kind {
	case kindWrite:
		q.logger.Debugf("submitting write id=%d offset=%d size=%d section=%d", headID, head.offset, head.size(), head.section)
		_, err := q.backend.AIOPWrite(head.offset, head.buf, func(cbErr error) {
			q.onCompletion(headID, cbErr)
		})
		if err != nil {
			// Backend failed to even accept the submission; spec.md §6
			// requires the queue to synthesize the failure itself since the
			// callback will never otherwise fire.
			q.logger.Warnf("AIOPWrite rejected submission id=%d: %v", headID, err)
			q.onCompletion(headID, errGenericIO(err))
		}
	case kindBarrier:
		q.barriersSubmitted++
		q.logger.Debugf("submitting barrier id=%d section=%d pending_len=%d", headID, head.section, len(q.pending))
		_, err := q.backend.AIOFlush(func(cbErr error) {
			q.onCompletion(headID, cbErr)
		})
		if err != nil {
			q.logger.Warnf("AIOFlush rejected submission id=%d: %v", headID, err)
			q.onCompletion(headID, errGenericIO(err))
		}
	}

	q.notifyObserver()
	return true
}
