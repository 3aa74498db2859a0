package blockqueue

import "github.com/ehrlich-b/blockqueue/internal/constants"

// Re-export package-level tunables for callers that only import the root
// package (spec.md §9, "a policy knob, not an invariant").
const (
	DefaultBarrierBatchThreshold = constants.DefaultBarrierBatchThreshold
	DefaultTableCacheSize        = constants.DefaultTableCacheSize
	DefaultClusterSize           = constants.DefaultClusterSize
	CompletionRelayCapacity      = constants.CompletionRelayCapacity
)
