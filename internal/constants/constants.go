// Package constants holds tunables shared across the blockqueue module.
package constants

const (
	// DefaultBarrierBatchThreshold is the pending_len a Barrier must see
	// before the dispatcher is willing to submit it, outside of flushing
	// or waiter-carrying operations. A policy knob, not an invariant.
	DefaultBarrierBatchThreshold = 50

	// DefaultTableCacheSize is the number of slots in a table cache
	// created without an explicit size override.
	DefaultTableCacheSize = 16

	// DefaultClusterSize is the buffer size backing each table cache slot.
	DefaultClusterSize = 64 * 1024

	// InitialCacheHits seeds a freshly loaded cache entry so it is not
	// immediately evicted by the next acquire.
	InitialCacheHits = 32

	// CompletionRelayCapacity sizes the lock-free SPSC ring used to hand
	// backend completions back to the owning loop. Must be a power of two.
	CompletionRelayCapacity = 256
)
