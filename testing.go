package blockqueue

import (
	"sync"

	"github.com/ehrlich-b/blockqueue/internal/interfaces"
)

// SyncMemBackend is an in-memory interfaces.Backend test double, adapted
// from ehrlich-b-go-ublk's MockBackend (testing.go): same call-count
// tracking and in-memory byte slice, but reshaped around the async
// PRead/AIOPWrite/AIOFlush contract this module's Backend actually uses,
// plus the fault-injection hooks spec.md §8 Scenario G needs (inject
// -ENOSPC on the next write).
//
// Completions are never fired synchronously inside AIOPWrite/AIOFlush
// (matching interfaces.Backend's contract); they are queued and released
// by a call to Pump, giving tests full control over completion timing
// independent of DispatchPolicy.AutoDispatch.
type SyncMemBackend struct {
	mu           sync.Mutex
	data         []byte
	writethrough bool

	pending []func()

	injectWriteErr error
	injectFlushErr error

	readCalls  int
	writeCalls int
	flushCalls int
}

// NewSyncMemBackend creates a backend of the given size, every byte
// initialized to fill.
func NewSyncMemBackend(size int, fill byte) *SyncMemBackend {
	data := make([]byte, size)
	for i := range data {
		data[i] = fill
	}
	return &SyncMemBackend{data: data}
}

// SetWritethrough toggles the OpenFlags bit the queue reads at New time.
func (b *SyncMemBackend) SetWritethrough(wt bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writethrough = wt
}

// InjectNextWriteError arms a one-shot failure returned by the next
// AIOPWrite completion (spec.md §8 Scenario G: "Backend injects -ENOSPC on
// the next pwrite").
func (b *SyncMemBackend) InjectNextWriteError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.injectWriteErr = err
}

// InjectNextFlushError arms a one-shot failure for the next AIOFlush
// completion.
func (b *SyncMemBackend) InjectNextFlushError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.injectFlushErr = err
}

// PRead implements interfaces.Backend.
func (b *SyncMemBackend) PRead(offset uint64, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readCalls++
	if offset > uint64(len(b.data)) {
		return NewError("PRead", CodeInvalidParameters, "read beyond end of device")
	}
	n := copy(buf, b.data[offset:])
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// AIOPWrite implements interfaces.Backend. The write is applied to the
// in-memory buffer immediately (so a subsequent PRead observes it), but the
// completion callback is deferred to Pump, matching real async backends.
func (b *SyncMemBackend) AIOPWrite(offset uint64, buf []byte, cb interfaces.CompletionFunc) (interfaces.AIOHandle, error) {
	b.mu.Lock()
	b.writeCalls++

	var err error
	if b.injectWriteErr != nil {
		err = b.injectWriteErr
		b.injectWriteErr = nil
	} else if offset+uint64(len(buf)) <= uint64(len(b.data)) {
		copy(b.data[offset:], buf)
	} else {
		err = NewError("AIOPWrite", CodeInvalidParameters, "write beyond end of device")
	}

	b.pending = append(b.pending, func() { cb(err) })
	b.mu.Unlock()
	return noopHandle{}, nil
}

// AIOFlush implements interfaces.Backend.
func (b *SyncMemBackend) AIOFlush(cb interfaces.CompletionFunc) (interfaces.AIOHandle, error) {
	b.mu.Lock()
	b.flushCalls++

	var err error
	if b.injectFlushErr != nil {
		err = b.injectFlushErr
		b.injectFlushErr = nil
	}

	b.pending = append(b.pending, func() { cb(err) })
	b.mu.Unlock()
	return noopHandle{}, nil
}

// OpenFlags implements interfaces.Backend.
func (b *SyncMemBackend) OpenFlags() interfaces.OpenFlags {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writethrough {
		return interfaces.FlagWritethrough
	}
	return interfaces.FlagWriteback
}

// Drain implements interfaces.Drainer as an alias for Pump, so that
// Queue.Flush/Queue.Poll can drive this backend forward on their own
// (blocking Flush calls would otherwise spin forever waiting for a
// completion nothing ever fires) while tests that want manual step-by-step
// control can still call Pump/PumpAll directly.
func (b *SyncMemBackend) Drain() int { return b.Pump() }

// Pump fires every completion queued since the last Pump call, in FIFO
// order, and reports how many fired. Tests drive the queue's single
// in-flight slot forward by alternating Queue.Poll and Pump.
func (b *SyncMemBackend) Pump() int {
	b.mu.Lock()
	run := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, fn := range run {
		fn()
	}
	return len(run)
}

// PumpAll repeatedly pumps until a round fires nothing, draining any
// completions scheduled by earlier completions (e.g. a callback that
// triggers the next dispatch).
func (b *SyncMemBackend) PumpAll() {
	for b.Pump() > 0 {
	}
}

// Bytes returns a copy of the backend's current contents, for test
// assertions.
func (b *SyncMemBackend) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// CallCounts reports how many times each operation has been invoked.
func (b *SyncMemBackend) CallCounts() (reads, writes, flushes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readCalls, b.writeCalls, b.flushCalls
}

type noopHandle struct{}

func (noopHandle) Cancel() {}

var (
	_ interfaces.Backend = (*SyncMemBackend)(nil)
	_ interfaces.Drainer = (*SyncMemBackend)(nil)
)
