// Package tablecache implements the bounded cached-table store described
// in spec.md §4.2, grounded directly on
// _examples/original_source/block/qcow2-cache.c — the original QCOW2
// L2/refcount table cache this design was distilled from. It is not owned
// by the BlockQueue; it is specified here to make the queue's
// writeback/writethrough and dependency-flush-ordering contracts concrete.
package tablecache

import (
	"errors"
	"fmt"
	"sync"

	"code.hybscloud.com/iox"

	"github.com/ehrlich-b/blockqueue/internal/constants"
	"github.com/ehrlich-b/blockqueue/internal/coroutine"
	"github.com/ehrlich-b/blockqueue/internal/interfaces"
)

// errBusy is returned internally when every slot is pinned and none can be
// evicted; callers park on allocQueue and retry rather than observing it.
var errBusy = errors.New("tablecache: no unpinned slot available")

// errReadInProgress is the sentinel readStatus while a slot's table is
// being fetched from the backend, mirroring qcow2-cache.c's use of
// -EINPROGRESS as entries[i].read_status.
var errReadInProgress = errors.New("tablecache: read in progress")

type entry struct {
	table       []byte
	offset      uint64
	offsetValid bool
	cacheHits   int
	ref         int
	dirty       bool
	keepDirty   bool
	readStatus  error
	getQueue    coroutine.WaitQueue
}

// Cache is a fixed-size map from backend offset to buffered table.
type Cache struct {
	mu      sync.Mutex
	entries []entry

	backend     interfaces.Backend
	clusterSize int

	depends        *Cache
	dependsOnFlush bool
	writethrough   bool
	allocQueue     coroutine.WaitQueue
}

// New creates a cache of numSlots entries, each backed by a clusterSize
// buffer, over the given backend.
func New(backend interfaces.Backend, numSlots, clusterSize int) *Cache {
	if numSlots <= 0 {
		numSlots = constants.DefaultTableCacheSize
	}
	if clusterSize <= 0 {
		clusterSize = constants.DefaultClusterSize
	}
	c := &Cache{
		entries:      make([]entry, numSlots),
		backend:      backend,
		clusterSize:  clusterSize,
		writethrough: backend.OpenFlags().Writethrough(),
	}
	for i := range c.entries {
		c.entries[i].table = make([]byte, clusterSize)
	}
	return c
}

// Close releases the cache. It panics if any slot is still pinned, mirroring
// qcow2_cache_destroy's assert(entries[i].ref == 0).
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].ref != 0 {
			panic(fmt.Sprintf("tablecache: Close with slot %d still pinned (ref=%d)", i, c.entries[i].ref))
		}
	}
	c.entries = nil
}

// SetDependency records that c must flush dependency before c itself is
// flushed. At most one dependency is tracked at a time; setting a new one
// while a different dependency is outstanding flushes the old one first.
// Grounded on qcow2_cache_set_dependency.
func (c *Cache) SetDependency(dependency *Cache) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dependency.hasPendingDependency() {
		dependency.mu.Lock()
		err := dependency.flushDependencyLocked()
		dependency.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if c.depends != nil && c.depends != dependency {
		if err := c.flushDependencyLocked(); err != nil {
			return err
		}
	}
	c.depends = dependency
	return nil
}

func (c *Cache) hasPendingDependency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depends != nil
}

// DependsOnFlush marks that a raw backend flush must happen before any
// dirty entry in c is written back, without naming a specific dependent
// cache. Grounded on qcow2_cache_depends_on_flush.
func (c *Cache) DependsOnFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dependsOnFlush = true
}

// flushDependencyLocked must be called with c.mu held.
func (c *Cache) flushDependencyLocked() error {
	dep := c.depends
	c.mu.Unlock()
	err := dep.Flush()
	c.mu.Lock()
	if err != nil {
		return err
	}
	c.depends = nil
	c.dependsOnFlush = false
	return nil
}

// entryFlush writes slot i back to the backend if dirty. Must be called
// with c.mu held; it releases and re-acquires the lock around I/O.
func (c *Cache) entryFlushLocked(i int) error {
	e := &c.entries[i]
	if !e.dirty || !e.offsetValid {
		return nil
	}

	if c.depends != nil {
		if err := c.flushDependencyLocked(); err != nil {
			return err
		}
	} else if c.dependsOnFlush {
		c.mu.Unlock()
		_, err := syncFlush(c.backend)
		c.mu.Lock()
		if err != nil {
			return err
		}
		c.dependsOnFlush = false
	}

	e.keepDirty = false
	offset, table := e.offset, e.table
	c.mu.Unlock()
	err := syncWrite(c.backend, offset, table)
	c.mu.Lock()
	if err != nil {
		return err
	}

	// We must not reset the dirty bit if, during the write, the buffer was
	// marked dirty again (keepDirty may have been re-set by MarkDirty
	// while the lock was released).
	e.dirty = e.keepDirty
	return nil
}

// Flush writes every dirty entry back to the backend, then flushes the
// backend itself. A sticky -ENOSPC-shaped result (the first ENOSPC-coded
// error seen) takes priority over later errors, exactly as
// qcow2_cache_flush does with `if (ret < 0 && result != -ENOSPC) result = ret;`.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result error
	for i := range c.entries {
		if err := c.entryFlushLocked(i); err != nil {
			if !isStickyENOSPC(result) {
				result = err
			}
		}
	}

	if result == nil {
		c.mu.Unlock()
		_, err := syncFlush(c.backend)
		c.mu.Lock()
		result = err
	}
	return result
}

func isStickyENOSPC(err error) bool {
	return err != nil && errors.Is(err, ErrOutOfSpace)
}

// ErrOutOfSpace marks a backend failure that must not be overwritten by a
// later, less specific failure (spec.md §7 "OutOfSpace").
var ErrOutOfSpace = errors.New("tablecache: out of space")

// findEntryToReplaceLocked returns the index of the least-recently-useful
// unpinned slot, halving every unpinned slot's hit counter along the way
// ("give newer hits priority"). Must be called with c.mu held.
func (c *Cache) findEntryToReplaceLocked() (int, error) {
	minIndex := -1
	minCount := int(^uint(0) >> 1) // max int

	for i := range c.entries {
		e := &c.entries[i]
		if e.ref != 0 {
			continue
		}
		if e.cacheHits < minCount {
			minIndex = i
			minCount = e.cacheHits
		}
		e.cacheHits /= 2
	}

	if minIndex == -1 {
		return -1, errBusy
	}
	return minIndex, nil
}

// Handle is a pinned reference to a cached table, returned by Get/GetEmpty.
type Handle struct {
	cache *Cache
	index int
}

// Bytes returns the pinned table buffer. Valid until Release.
func (h *Handle) Bytes() []byte {
	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	return h.cache.entries[h.index].table
}

// doGet is the shared retry loop behind Get and GetEmpty, grounded on
// qcow2_cache_do_get.
func (c *Cache) doGet(offset uint64, readFromDisk bool) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

retry:
	for i := range c.entries {
		if c.entries[i].offsetValid && c.entries[i].offset == offset {
			c.entries[i].ref++
			return c.awaitValidLocked(i)
		}
	}

	i, err := c.findEntryToReplaceLocked()
	if err != nil {
		c.mu.Unlock()
		c.allocQueue.Wait()
		c.mu.Lock()
		goto retry
	}

	// Pin early so the slot survives a flush that lets other callers run.
	c.entries[i].ref++

	if err := c.entryFlushLocked(i); err != nil {
		c.entries[i].ref--
		return nil, err
	}

	// The flush above may have dropped the lock; the slot might have been
	// grabbed again in the meantime.
	if c.entries[i].ref != 1 || c.entries[i].dirty {
		c.entries[i].ref--
		goto retry
	}

	c.entries[i].readStatus = errReadInProgress
	c.entries[i].offsetValid = false

	if readFromDisk {
		table := c.entries[i].table
		c.mu.Unlock()
		readErr := c.backend.PRead(offset, table)
		c.mu.Lock()
		if readErr != nil {
			c.entries[i].readStatus = readErr
			for c.entries[i].getQueue.Next() {
			}
			c.entries[i].ref--
			return nil, readErr
		}
	}

	c.entries[i].cacheHits = constants.InitialCacheHits
	c.entries[i].offset = offset
	c.entries[i].offsetValid = true
	c.entries[i].readStatus = nil
	for c.entries[i].getQueue.Next() {
	}

	return c.awaitValidLocked(i)
}

// awaitValidLocked waits for any in-progress read on slot i to finish, must
// be called with c.mu held (and entries[i].ref already incremented).
func (c *Cache) awaitValidLocked(i int) (*Handle, error) {
	for c.entries[i].readStatus == errReadInProgress {
		c.mu.Unlock()
		c.entries[i].getQueue.Wait()
		c.mu.Lock()
	}
	if c.entries[i].readStatus != nil {
		c.entries[i].ref--
		return nil, c.entries[i].readStatus
	}
	c.entries[i].cacheHits++
	return &Handle{cache: c, index: i}, nil
}

// Get returns the table at offset, reading it from the backend if it is
// not already cached.
func (c *Cache) Get(offset uint64) (*Handle, error) {
	return c.doGet(offset, true)
}

// GetEmpty returns an uninitialized table slot for offset without reading
// the backend, for callers about to overwrite the whole table.
func (c *Cache) GetEmpty(offset uint64) (*Handle, error) {
	return c.doGet(offset, false)
}

// Release unpins a handle. In writethrough mode the entry is flushed
// before the refcount drops, matching qcow2_cache_put.
func (h *Handle) Release() error {
	c := h.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.writethrough {
		err = c.entryFlushLocked(h.index)
	}

	c.entries[h.index].ref--
	if c.entries[h.index].ref < 0 {
		panic("tablecache: Release underflowed refcount")
	}
	if c.entries[h.index].ref == 0 {
		c.allocQueue.Next()
	}
	return err
}

// MarkDirty marks the handle's table as needing writeback.
func (h *Handle) MarkDirty() {
	c := h.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[h.index].dirty = true
	c.entries[h.index].keepDirty = true
}

// syncWrite adapts the backend's async AIOPWrite into a blocking call, the
// same way the original synchronous bdrv_pwrite is used inside
// qcow2_cache_entry_flush — the table cache always waits for its own
// writeback before proceeding.
func syncWrite(backend interfaces.Backend, offset uint64, buf []byte) error {
	done := make(chan error, 1)
	if _, err := backend.AIOPWrite(offset, buf, func(err error) { done <- err }); err != nil {
		return err
	}
	return awaitCompletion(backend, done)
}

// syncFlush adapts the backend's async AIOFlush into a blocking call.
func syncFlush(backend interfaces.Backend) (struct{}, error) {
	done := make(chan error, 1)
	if _, err := backend.AIOFlush(func(err error) { done <- err }); err != nil {
		return struct{}{}, err
	}
	return struct{}{}, awaitCompletion(backend, done)
}

// awaitCompletion blocks until done fires, actively draining backend in
// the meantime. A Backend that only delivers completions through an
// explicit Drain call (backend/mem.go's worker goroutine relay,
// testing.go's SyncMemBackend) would otherwise never fire done: the cache
// itself is the only goroutine that could call Drain, and it is the one
// blocked here.
func awaitCompletion(backend interfaces.Backend, done chan error) error {
	backoff := iox.Backoff{}
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		if d, ok := backend.(interfaces.Drainer); ok {
			if d.Drain() > 0 {
				backoff.Reset()
				continue
			}
		}
		backoff.Wait()
	}
}
