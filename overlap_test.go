package blockqueue

import "testing"

func TestSubtractNewContainedInReq(t *testing.T) {
	ov, left, right, ok := subtract(byteRange{offset: 10, size: 5}, byteRange{offset: 0, size: 100})
	if !ok {
		t.Fatal("expected overlap")
	}
	if ov != (byteRange{offset: 10, size: 5}) {
		t.Errorf("overlap = %+v", ov)
	}
	if !left.empty() || !right.empty() {
		t.Errorf("expected no residual, got left=%+v right=%+v", left, right)
	}
}

func TestSubtractTailOverlapsHead(t *testing.T) {
	// new [0,20), req [10,30): tail of new overlaps head of req.
	ov, left, right, ok := subtract(byteRange{offset: 0, size: 20}, byteRange{offset: 10, size: 20})
	if !ok {
		t.Fatal("expected overlap")
	}
	if ov != (byteRange{offset: 10, size: 10}) {
		t.Errorf("overlap = %+v", ov)
	}
	if left != (byteRange{offset: 0, size: 10}) {
		t.Errorf("left = %+v, want prefix [0,10)", left)
	}
	if !right.empty() {
		t.Errorf("right should be empty, got %+v", right)
	}
}

func TestSubtractHeadOverlapsTail(t *testing.T) {
	// new [10,30), req [0,20): head of new overlaps tail of req.
	ov, left, right, ok := subtract(byteRange{offset: 10, size: 20}, byteRange{offset: 0, size: 20})
	if !ok {
		t.Fatal("expected overlap")
	}
	if ov != (byteRange{offset: 10, size: 10}) {
		t.Errorf("overlap = %+v", ov)
	}
	if !left.empty() {
		t.Errorf("left should be empty, got %+v", left)
	}
	if right != (byteRange{offset: 20, size: 10}) {
		t.Errorf("right = %+v, want suffix [20,30)", right)
	}
}

func TestSubtractReqContainedInNew(t *testing.T) {
	// new [0,30), req [10,20): req contained in new, leaves a prefix and a suffix.
	ov, left, right, ok := subtract(byteRange{offset: 0, size: 30}, byteRange{offset: 10, size: 10})
	if !ok {
		t.Fatal("expected overlap")
	}
	if ov != (byteRange{offset: 10, size: 10}) {
		t.Errorf("overlap = %+v", ov)
	}
	if left != (byteRange{offset: 0, size: 10}) {
		t.Errorf("left = %+v", left)
	}
	if right != (byteRange{offset: 20, size: 10}) {
		t.Errorf("right = %+v", right)
	}
}

func TestSubtractDisjoint(t *testing.T) {
	_, _, _, ok := subtract(byteRange{offset: 0, size: 10}, byteRange{offset: 10, size: 10})
	if ok {
		t.Error("touching ranges [0,10) and [10,20) must not be treated as overlapping (spec.md §9)")
	}
	_, _, _, ok = subtract(byteRange{offset: 20, size: 10}, byteRange{offset: 0, size: 10})
	if ok {
		t.Error("disjoint ranges must not overlap")
	}
}

func TestScanOverlapSkipsBarriersAndBelowMinSection(t *testing.T) {
	q, _ := New(DefaultConfig(NewSyncMemBackend(4096, 0xA5)))
	ctx := q.NewContext()

	barrierReq := &request{kind: kindBarrier, section: 0}
	barrierID := q.arena.alloc(barrierReq)

	lowReq := &request{kind: kindWrite, offset: 0, buf: make([]byte, 10), section: 0}
	lowID := q.arena.alloc(lowReq)

	highReq := &request{kind: kindWrite, offset: 0, buf: make([]byte, 10), section: 5}
	highID := q.arena.alloc(highReq)

	// Oldest first: the newest-first scan meets the barrier and the
	// below-min-section write before the write that satisfies the range.
	ids := []uint64{highID, lowID, barrierID}
	var matched []uint64
	residual := q.scanOverlap(ids, ctx, 3, []byteRange{{offset: 0, size: 10}}, func(req *request, match byteRange) {
		matched = append(matched, req.id)
	})
	if len(matched) != 1 || matched[0] != highID {
		t.Errorf("matched = %v, want only highID (%d); barrier and below-min-section write must be skipped", matched, highID)
	}
	if len(residual) != 0 {
		t.Errorf("residual = %v, want fully consumed", residual)
	}
}
