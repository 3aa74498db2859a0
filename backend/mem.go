// Package backend provides block backend implementations for blockqueue
// (spec.md §6's "Backend" collaborator).
package backend

import (
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"code.hybscloud.com/spin"

	"github.com/ehrlich-b/blockqueue/internal/constants"
	"github.com/ehrlich-b/blockqueue/internal/interfaces"
)

// ShardSize is the size of each memory shard (64KB). This provides good
// parallelism for the table cache's cluster-sized flushes while keeping
// lock overhead reasonable: a 256MB device has 4096 shards.
const ShardSize = 64 * 1024

type jobKind uint8

const (
	jobWrite jobKind = iota
	jobFlush
)

type job struct {
	kind   jobKind
	offset uint64
	buf    []byte
	cb     interfaces.CompletionFunc
}

type completion struct {
	cb  interfaces.CompletionFunc
	err error
}

// Memory is an in-memory Backend: synchronous reads, asynchronous writes
// and flushes relayed to the owning loop through a lock-free SPSC ring
// (spec.md §5, "the queue never issues two backend operations
// concurrently" — the ring has exactly one producer, the worker goroutine,
// and one consumer, whichever goroutine calls Drain).
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex

	flags interfaces.OpenFlags

	submit *lfq.SPSC[job]
	relay  *lfq.SPSC[completion]
	closed atomix.Bool

	readCalls  atomix.Uint64
	writeCalls atomix.Uint64
	flushCalls atomix.Uint64

	injectMu       sync.Mutex
	injectWriteErr error
	injectFlushErr error
}

// New creates a Memory backend of the given size in the given mode.
func New(size int64, flags interfaces.OpenFlags) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	m := &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
		flags:  flags,
		submit: lfq.NewSPSC[job](constants.CompletionRelayCapacity),
		relay:  lfq.NewSPSC[completion](constants.CompletionRelayCapacity),
	}
	go m.run()
	return m
}

// NewMemory creates a writeback Memory backend of the given size, every
// byte initialized to zero. Kept as the zero-config constructor most
// callers reach for; use New for writethrough backends.
func NewMemory(size int64) *Memory {
	return New(size, interfaces.FlagWriteback)
}

// run is the single worker goroutine that applies submitted jobs against
// the backing store and relays their completions back to the owning loop.
// It is the only writer of m.data; PRead only takes shard read-locks, never
// competing with run for ownership of a byte, only for a window of time.
func (m *Memory) run() {
	backoff := iox.Backoff{}
	for {
		j, err := m.submit.Dequeue()
		if err != nil {
			if m.closed.LoadAcquire() {
				return
			}
			backoff.Wait()
			continue
		}
		backoff.Reset()
		if m.closed.LoadAcquire() {
			return
		}

		var opErr error
		switch j.kind {
		case jobWrite:
			opErr = m.applyWrite(j.offset, j.buf)
		case jobFlush:
			opErr = m.applyFlush()
		}
		m.pushCompletion(completion{cb: j.cb, err: opErr})
	}
}

// pushCompletion retries with a short spin (the owning loop is expected to
// drain promptly; the ring only backs up under pathological completion
// starvation).
func (m *Memory) pushCompletion(c completion) {
	sw := spin.Wait{}
	for m.relay.Enqueue(&c) != nil {
		sw.Once()
	}
}

func (m *Memory) applyWrite(offset uint64, buf []byte) error {
	m.injectMu.Lock()
	injected := m.injectWriteErr
	m.injectWriteErr = nil
	m.injectMu.Unlock()
	if injected != nil {
		return injected
	}

	if _, err := m.writeAt(buf, int64(offset)); err != nil {
		return err
	}
	return nil
}

func (m *Memory) applyFlush() error {
	m.injectMu.Lock()
	injected := m.injectFlushErr
	m.injectFlushErr = nil
	m.injectMu.Unlock()
	return injected
}

// shardRange returns the range of shards that cover [off, off+length).
func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) writeAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// PRead implements interfaces.Backend: a synchronous read used to satisfy
// whatever the overlap engine could not serve from pending/in-flight state.
func (m *Memory) PRead(offset uint64, buf []byte) error {
	m.readCalls.AddAcqRel(1)

	off := int64(offset)
	if off >= m.size {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	available := m.size - off
	n := len(buf)
	if int64(n) > available {
		n = int(available)
	}

	startShard, endShard := m.shardRange(off, int64(n))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	copy(buf[:n], m.data[off:off+int64(n)])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}

	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// AIOPWrite implements interfaces.Backend. cb never fires before
// AIOPWrite returns; it fires from a later Drain call on the owning loop.
func (m *Memory) AIOPWrite(offset uint64, buf []byte, cb interfaces.CompletionFunc) (interfaces.AIOHandle, error) {
	m.writeCalls.AddAcqRel(1)
	j := job{kind: jobWrite, offset: offset, buf: buf, cb: cb}
	backoff := iox.Backoff{}
	for m.submit.Enqueue(&j) != nil {
		backoff.Wait()
	}
	return noopHandle{}, nil
}

// AIOFlush implements interfaces.Backend.
func (m *Memory) AIOFlush(cb interfaces.CompletionFunc) (interfaces.AIOHandle, error) {
	m.flushCalls.AddAcqRel(1)
	j := job{kind: jobFlush, cb: cb}
	backoff := iox.Backoff{}
	for m.submit.Enqueue(&j) != nil {
		backoff.Wait()
	}
	return noopHandle{}, nil
}

// OpenFlags implements interfaces.Backend.
func (m *Memory) OpenFlags() interfaces.OpenFlags {
	return m.flags
}

// Drain implements interfaces.Drainer: fires every completion the worker
// goroutine has relayed since the last Drain call, in FIFO order, and
// reports how many fired.
func (m *Memory) Drain() int {
	n := 0
	for {
		c, err := m.relay.Dequeue()
		if err != nil {
			return n
		}
		n++
		c.cb(c.err)
	}
}

// InjectNextWriteError arms a one-shot failure for the next applied write
// (spec.md §8 Scenario G: "Backend injects -ENOSPC on the next pwrite").
func (m *Memory) InjectNextWriteError(err error) {
	m.injectMu.Lock()
	defer m.injectMu.Unlock()
	m.injectWriteErr = err
}

// InjectNextFlushError arms a one-shot failure for the next applied flush.
func (m *Memory) InjectNextFlushError(err error) {
	m.injectMu.Lock()
	defer m.injectMu.Unlock()
	m.injectFlushErr = err
}

// Close stops the worker goroutine and releases the backing store. Any
// jobs still queued when Close is called are dropped without firing their
// callbacks; callers must have drained the queue bound to this backend
// first (spec.md's Queue.Destroy contract).
func (m *Memory) Close() error {
	m.closed.StoreRelease(true)
	m.data = nil
	return nil
}

// Size returns the size of the device in bytes.
func (m *Memory) Size() int64 {
	return m.size
}

// Stats reports point-in-time call counters, useful for tests and demos.
func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":        "memory",
		"size":        m.size,
		"num_shards":  len(m.shards),
		"shard_size":  ShardSize,
		"read_calls":  m.readCalls.LoadAcquire(),
		"write_calls": m.writeCalls.LoadAcquire(),
		"flush_calls": m.flushCalls.LoadAcquire(),
	}
}

type noopHandle struct{}

func (noopHandle) Cancel() {}

var (
	_ interfaces.Backend = (*Memory)(nil)
	_ interfaces.Drainer = (*Memory)(nil)
)
