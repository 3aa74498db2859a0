package blockqueue

import "testing"

func manualQueue(t *testing.T, backend *SyncMemBackend) *Queue {
	t.Helper()
	cfg := DefaultConfig(backend)
	cfg.Policy.AutoDispatch = false
	q, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestSubmitOneRefusesWhileErrorCodeSet(t *testing.T) {
	backend := NewSyncMemBackend(4096, 0xA5)
	q := manualQueue(t, backend)
	q.errorCode = NewError("test", CodeGenericIO, "stuck")

	ctx := q.NewContext()
	if err := ctx.PWrite(0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if q.submitOne() {
		t.Error("submitOne must refuse to submit while errorCode is set")
	}
}

func TestSubmitOneRefusesWhileInFlight(t *testing.T) {
	backend := NewSyncMemBackend(4096, 0xA5)
	q := manualQueue(t, backend)
	ctx := q.NewContext()

	if err := ctx.PWrite(0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if err := ctx.PWrite(100, []byte{4, 5, 6}); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	if !q.submitOne() {
		t.Fatal("expected first submitOne to succeed")
	}
	if q.submitOne() {
		t.Error("submitOne must refuse while in_flight_count > 0")
	}
}

func TestSubmitOneDefersBarrierBelowThreshold(t *testing.T) {
	backend := NewSyncMemBackend(4096, 0xA5)
	q := manualQueue(t, backend)
	q.policy.BarrierBatchThreshold = 50
	ctx := q.NewContext()

	if err := ctx.Barrier(); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	if q.submitOne() {
		t.Error("a lone barrier below BarrierBatchThreshold must be deferred")
	}
	if q.PendingLen() != 1 {
		t.Errorf("PendingLen = %d, want 1 (deferred barrier still pending)", q.PendingLen())
	}
}

func TestSubmitOneDoesNotDeferBarrierWhileFlushing(t *testing.T) {
	backend := NewSyncMemBackend(4096, 0xA5)
	q := manualQueue(t, backend)
	q.policy.BarrierBatchThreshold = 50
	ctx := q.NewContext()

	if err := ctx.Barrier(); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	q.flushing = true
	if !q.submitOne() {
		t.Error("a barrier must not be deferred while flushing")
	}
}

func TestSubmitOneDoesNotDeferBarrierWithWaiters(t *testing.T) {
	backend := NewSyncMemBackend(4096, 0xA5)
	q := manualQueue(t, backend)
	q.policy.BarrierBatchThreshold = 50
	ctx := q.NewContext()

	h := ctx.AIOFlush(func(error) {})
	defer h.Cancel()
	if !q.submitOne() {
		t.Error("a barrier carrying a waiter must not be deferred regardless of pending_len")
	}
}

func TestRunDispatcherLoopsUntilBlocked(t *testing.T) {
	backend := NewSyncMemBackend(4096, 0xA5)
	q := manualQueue(t, backend)
	ctx := q.NewContext()

	if err := ctx.PWrite(0, []byte{1}); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	q.runDispatcher()
	if q.InFlightCount() != 1 {
		t.Errorf("InFlightCount = %d, want 1 after runDispatcher drains the single submittable write", q.InFlightCount())
	}
	if q.PendingLen() != 0 {
		t.Errorf("PendingLen = %d, want 0", q.PendingLen())
	}
}
