package blockqueue

import (
	"sync/atomic"

	"github.com/ehrlich-b/blockqueue/internal/interfaces"
)

// LatencyBuckets defines the completion-latency histogram buckets in
// nanoseconds, unchanged from ehrlich-b-go-ublk/metrics.go's spacing (1us
// to 10s, logarithmic).
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks the queue-level gauges and counters spec.md §3 names
// (pending_len, in_flight_count, barriers_requested, barriers_submitted,
// waiters_for_cb) plus a completion-latency histogram, retargeted from the
// teacher's per-I/O-op Metrics (ReadOps/WriteOps/...) to this module's own
// counters.
type Metrics struct {
	PendingLen        atomic.Int64
	InFlightCount     atomic.Int64
	BarriersRequested atomic.Uint64
	BarriersSubmitted atomic.Uint64
	WaitersForCB      atomic.Int64

	WriteCompletions   atomic.Uint64
	WriteFailures      atomic.Uint64
	BarrierCompletions atomic.Uint64
	BarrierFailures    atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64
}

// NewMetrics creates an empty Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics safe to read without
// further synchronization.
type MetricsSnapshot struct {
	PendingLen        int64
	InFlightCount     int64
	BarriersRequested uint64
	BarriersSubmitted uint64
	WaitersForCB      int64

	WriteCompletions   uint64
	WriteFailures      uint64
	BarrierCompletions uint64
	BarrierFailures    uint64

	AvgLatencyNs uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot takes a point-in-time reading of every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PendingLen:         m.PendingLen.Load(),
		InFlightCount:      m.InFlightCount.Load(),
		BarriersRequested:  m.BarriersRequested.Load(),
		BarriersSubmitted:  m.BarriersSubmitted.Load(),
		WaitersForCB:       m.WaitersForCB.Load(),
		WriteCompletions:   m.WriteCompletions.Load(),
		WriteFailures:      m.WriteFailures.Load(),
		BarrierCompletions: m.BarrierCompletions.Load(),
		BarrierFailures:    m.BarrierFailures.Load(),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets, unchanged
// from the teacher's calculatePercentile.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// NoOpObserver discards every observation. It is the Queue default.
type NoOpObserver struct{}

func (NoOpObserver) ObservePendingLen(int)                  {}
func (NoOpObserver) ObserveInFlightCount(int)               {}
func (NoOpObserver) ObserveBarriersRequested(uint64)        {}
func (NoOpObserver) ObserveBarriersSubmitted(uint64)        {}
func (NoOpObserver) ObserveWaitersForCB(int)                {}
func (NoOpObserver) ObserveCompletion(string, uint64, bool) {}

// MetricsObserver implements interfaces.Observer on top of a Metrics
// instance, the same Observer/NoOpObserver/MetricsObserver triad the
// teacher's metrics.go establishes for per-I/O-op instrumentation.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer that records every call into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePendingLen(n int) {
	o.metrics.PendingLen.Store(int64(n))
}

func (o *MetricsObserver) ObserveInFlightCount(n int) {
	o.metrics.InFlightCount.Store(int64(n))
}

func (o *MetricsObserver) ObserveBarriersRequested(total uint64) {
	o.metrics.BarriersRequested.Store(total)
}

func (o *MetricsObserver) ObserveBarriersSubmitted(total uint64) {
	o.metrics.BarriersSubmitted.Store(total)
}

func (o *MetricsObserver) ObserveWaitersForCB(n int) {
	o.metrics.WaitersForCB.Store(int64(n))
}

func (o *MetricsObserver) ObserveCompletion(kind string, latencyNs uint64, success bool) {
	switch kind {
	case "write":
		o.metrics.WriteCompletions.Add(1)
		if !success {
			o.metrics.WriteFailures.Add(1)
		}
	case "barrier":
		o.metrics.BarrierCompletions.Add(1)
		if !success {
			o.metrics.BarrierFailures.Add(1)
		}
	}
	o.metrics.recordLatency(latencyNs)
}

var (
	_ interfaces.Observer = (*MetricsObserver)(nil)
	_ interfaces.Observer = NoOpObserver{}
)
