// Package interfaces provides internal interface definitions for
// blockqueue. These are separate from the root package so that backend
// implementations (internal/tablecache, backend/mem.go) do not need to
// import the root package, avoiding circular imports.
package interfaces

// AIOHandle is returned by an async backend operation and can be used to
// cancel the caller's interest in its completion without affecting the
// underlying operation itself (spec.md §5, "Cancellation").
type AIOHandle interface {
	Cancel()
}

// CompletionFunc is the AIO completion callback: fn(ret error). A nil
// error means success.
type CompletionFunc func(err error)

// Backend is the block backend collaborator (spec.md §6). It is assumed
// to serialize its own I/O; the queue never issues two backend operations
// concurrently (single in-flight slot, spec.md §5).
type Backend interface {
	// PRead performs a synchronous read, used to satisfy the portion of a
	// pread that the overlap engine could not serve from pending/in-flight
	// requests.
	PRead(offset uint64, buf []byte) error

	// AIOPWrite submits an asynchronous write. cb fires exactly once, never
	// synchronously before AIOPWrite returns.
	AIOPWrite(offset uint64, buf []byte, cb CompletionFunc) (AIOHandle, error)

	// AIOFlush submits an asynchronous flush (a durability barrier on the
	// backend's own state).
	AIOFlush(cb CompletionFunc) (AIOHandle, error)

	// OpenFlags reports the writeback/writethrough mode the backend was
	// opened with.
	OpenFlags() OpenFlags
}

// OpenFlags distinguishes writeback from writethrough backends (spec.md §6).
type OpenFlags uint32

const (
	// FlagWriteback is the default: writes are buffered by the queue.
	FlagWriteback OpenFlags = 0
	// FlagWritethrough forces every pwrite to bypass queue buffering.
	FlagWritethrough OpenFlags = 1 << 0
)

func (f OpenFlags) Writethrough() bool { return f&FlagWritethrough != 0 }

// Drainer is an optional capability a Backend may implement when its async
// completions arrive on a goroutine other than the owning loop's (e.g. a
// worker goroutine relaying through a lock-free queue). Drain pumps every
// completion currently available, invoking each request's CompletionFunc
// on the calling goroutine, and reports how many it fired. A Backend that
// always calls back synchronously from the owning loop's own Poll/Flush
// call (like a test double) need not implement it. This mirrors
// ehrlich-b-go-ublk's optional-interface pattern (DiscardBackend,
// WriteZeroesBackend, SyncBackend) of detecting extra capabilities via a
// type assertion instead of a bloated mandatory interface.
type Drainer interface {
	Drain() int
}

// Logger is the ambient logging sink used throughout the module.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer receives queue-level instrumentation. The queue itself is not
// concurrency-safe (spec.md §5) so Observer methods are never called
// concurrently by it.
type Observer interface {
	ObservePendingLen(n int)
	ObserveInFlightCount(n int)
	ObserveBarriersRequested(total uint64)
	ObserveBarriersSubmitted(total uint64)
	ObserveWaitersForCB(n int)
	ObserveCompletion(kind string, latencyNs uint64, success bool)
}
