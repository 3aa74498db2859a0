package tablecache

import (
	"errors"
	"sync"
	"testing"

	"github.com/ehrlich-b/blockqueue/internal/constants"
	"github.com/ehrlich-b/blockqueue/internal/interfaces"
)

// fakeBackend is a trivial synchronous-under-the-hood Backend double, good
// enough to exercise the cache's retry/flush/dependency logic without
// pulling in backend/mem.go's async machinery.
type fakeBackend struct {
	mu      sync.Mutex
	store   map[uint64][]byte
	flags   interfaces.OpenFlags
	writes  int
	flushes int
	failAt  uint64 // offset that returns an error on write, if set
	failErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{store: make(map[uint64][]byte)}
}

func (f *fakeBackend) PRead(offset uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.store[offset]; ok {
		copy(buf, data)
	}
	return nil
}

func (f *fakeBackend) AIOPWrite(offset uint64, buf []byte, cb interfaces.CompletionFunc) (interfaces.AIOHandle, error) {
	f.mu.Lock()
	f.writes++
	var err error
	if f.failErr != nil && offset == f.failAt {
		err = f.failErr
	} else {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		f.store[offset] = cp
	}
	f.mu.Unlock()
	cb(err)
	return noopHandle{}, nil
}

func (f *fakeBackend) AIOFlush(cb interfaces.CompletionFunc) (interfaces.AIOHandle, error) {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
	cb(nil)
	return noopHandle{}, nil
}

func (f *fakeBackend) OpenFlags() interfaces.OpenFlags { return f.flags }

type noopHandle struct{}

func (noopHandle) Cancel() {}

func TestGetReadsThroughOnMiss(t *testing.T) {
	be := newFakeBackend()
	be.store[4096] = append(make([]byte, 0, 4096), bytes4096('Z')...)

	c := New(be, 4, 4096)
	h, err := c.Get(4096)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.Bytes()[0] != 'Z' {
		t.Fatalf("expected read-through data, got %v", h.Bytes()[0])
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func bytes4096(b byte) []byte {
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestGetEmptyDoesNotReadBackend(t *testing.T) {
	be := newFakeBackend()
	be.store[8192] = bytes4096('Q')

	c := New(be, 4, 4096)
	h, err := c.GetEmpty(8192)
	if err != nil {
		t.Fatalf("GetEmpty: %v", err)
	}
	if h.Bytes()[0] == 'Q' {
		t.Fatalf("GetEmpty must not read through to the backend")
	}
	h.Release()
}

func TestSameOffsetSharesSlot(t *testing.T) {
	be := newFakeBackend()
	c := New(be, 4, 4096)

	h1, err := c.GetEmpty(0)
	if err != nil {
		t.Fatalf("GetEmpty: %v", err)
	}
	h2, err := c.GetEmpty(0)
	if err != nil {
		t.Fatalf("GetEmpty second: %v", err)
	}
	if h1.index != h2.index {
		t.Fatalf("expected same slot for same offset, got %d and %d", h1.index, h2.index)
	}
	h1.Release()
	h2.Release()
}

func TestMarkDirtyFlushesOnFlush(t *testing.T) {
	be := newFakeBackend()
	c := New(be, 4, 4096)

	h, _ := c.GetEmpty(0)
	copy(h.Bytes(), []byte("hello"))
	h.MarkDirty()
	h.Release()

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if be.writes != 1 {
		t.Fatalf("expected 1 backend write, got %d", be.writes)
	}
	if string(be.store[0][:5]) != "hello" {
		t.Fatalf("expected flushed data in backend, got %q", be.store[0][:5])
	}
}

func TestWritethroughFlushesOnRelease(t *testing.T) {
	be := newFakeBackend()
	be.flags = interfaces.FlagWritethrough
	c := New(be, 4, 4096)

	h, _ := c.GetEmpty(0)
	copy(h.Bytes(), []byte("wt"))
	h.MarkDirty()
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if be.writes != 1 {
		t.Fatalf("expected writethrough to flush on release, writes=%d", be.writes)
	}
}

func TestSetDependencyFlushesDependencyFirst(t *testing.T) {
	be := newFakeBackend()
	l2 := New(be, 4, 4096)
	refcount := New(be, 4, 4096)

	h, _ := refcount.GetEmpty(0)
	copy(h.Bytes(), []byte("refblock"))
	h.MarkDirty()
	h.Release()

	if err := l2.SetDependency(refcount); err != nil {
		t.Fatalf("SetDependency: %v", err)
	}

	h2, _ := l2.GetEmpty(4096)
	copy(h2.Bytes(), []byte("l2data"))
	h2.MarkDirty()
	h2.Release()

	if err := l2.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if be.writes != 2 {
		t.Fatalf("expected dependency and l2 entry both flushed, writes=%d", be.writes)
	}
}

func TestFlushStickyENOSPC(t *testing.T) {
	be := newFakeBackend()
	be.failAt = 4096
	be.failErr = ErrOutOfSpace
	c := New(be, 4, 4096)

	h1, _ := c.GetEmpty(0)
	h1.MarkDirty()
	h1.Release()

	h2, _ := c.GetEmpty(4096)
	h2.MarkDirty()
	h2.Release()

	err := c.Flush()
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected sticky ErrOutOfSpace, got %v", err)
	}
}

func TestCloseWithPinnedSlotPanics(t *testing.T) {
	be := newFakeBackend()
	c := New(be, 4, 4096)
	h, _ := c.GetEmpty(0)
	_ = h

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Close to panic with a pinned slot")
		}
	}()
	c.Close()
}

func TestEvictionReusesLeastRecentlyHitSlot(t *testing.T) {
	be := newFakeBackend()
	c := New(be, 2, 4096)

	h1, _ := c.GetEmpty(0)
	h1.Release()
	h2, _ := c.GetEmpty(4096)
	h2.Release()

	// Hit slot 0 enough times to raise its hit count above slot 1's, which
	// was freshly seeded with InitialCacheHits after slot 0's was halved.
	for i := 0; i < constants.InitialCacheHits; i++ {
		h1b, _ := c.Get(0)
		h1b.Release()
	}

	h3, err := c.GetEmpty(8192)
	if err != nil {
		t.Fatalf("GetEmpty: %v", err)
	}
	if h3.index != h2.index {
		t.Fatalf("expected eviction to reuse the colder slot %d, got %d", h2.index, h3.index)
	}
	h3.Release()
}
