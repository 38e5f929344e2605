package nvme2k

import (
	"sync/atomic"
	"time"

	"github.com/nvme2k/go-nvme2k/internal/interfaces"
)

// Observer is the event sink the driver calls into from its
// submission and completion paths; it is defined in internal/interfaces
// so the internal packages (LIFE, RW, CPL) can consume it without
// importing this package, and re-exported here as the type callers of
// the public API actually see.
type Observer = interfaces.Observer

// NoOpObserver discards every event. The internal engine and completion
// dispatcher fall back to it when given a nil Observer; DefaultConfig
// supplies a *Metrics instead.
type NoOpObserver = interfaces.NoOpObserver

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
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

// Metrics tracks per-device operation counters, byte counts, and a
// latency histogram, matching the counters §8's testable properties
// and §10's observability requirements reference directly.
type Metrics struct {
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	TrimOps  atomic.Uint64
	FlushOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64
	TrimBytes  atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	TrimErrors  atomic.Uint64
	FlushErrors atomic.Uint64

	QueueFullCount        atomic.Uint64
	PRPExhaustedCount     atomic.Uint64
	OrphanedCompletionCount atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) ObserveRead(bytes, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) ObserveWrite(bytes, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) ObserveTrim(blocks, latencyNs uint64, success bool) {
	m.TrimOps.Add(1)
	if success {
		m.TrimBytes.Add(blocks)
	} else {
		m.TrimErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) ObserveFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) ObserveQueueFull()          { m.QueueFullCount.Add(1) }
func (m *Metrics) ObservePRPExhausted()       { m.PRPExhaustedCount.Add(1) }
func (m *Metrics) ObserveOrphanedCompletion() { m.OrphanedCompletionCount.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// Stop marks the device as stopped, fixing UptimeNs for subsequent
// snapshots.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived
// rates and percentile estimates computed.
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64
	TrimOps  uint64
	FlushOps uint64

	ReadBytes  uint64
	WriteBytes uint64
	TrimBytes  uint64

	ReadErrors  uint64
	WriteErrors uint64
	TrimErrors  uint64
	FlushErrors uint64

	QueueFullCount          uint64
	PRPExhaustedCount       uint64
	OrphanedCompletionCount uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64
}

// Snapshot produces a consistent point-in-time MetricsSnapshot,
// computing IOPS, bandwidth, error rate, and latency percentiles from
// the live counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:                 m.ReadOps.Load(),
		WriteOps:                m.WriteOps.Load(),
		TrimOps:                 m.TrimOps.Load(),
		FlushOps:                m.FlushOps.Load(),
		ReadBytes:               m.ReadBytes.Load(),
		WriteBytes:              m.WriteBytes.Load(),
		TrimBytes:               m.TrimBytes.Load(),
		ReadErrors:              m.ReadErrors.Load(),
		WriteErrors:             m.WriteErrors.Load(),
		TrimErrors:              m.TrimErrors.Load(),
		FlushErrors:             m.FlushErrors.Load(),
		QueueFullCount:          m.QueueFullCount.Load(),
		PRPExhaustedCount:       m.PRPExhaustedCount.Load(),
		OrphanedCompletionCount: m.OrphanedCompletionCount.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.TrimOps + snap.FlushOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes + snap.TrimBytes

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.TrimErrors + snap.FlushErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHistogram[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHistogram[i-1].Load()
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

// Reset zeroes every counter and restarts the uptime clock; useful in
// tests that construct one Metrics per case.
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.TrimOps.Store(0)
	m.FlushOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.TrimBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.TrimErrors.Store(0)
	m.FlushErrors.Store(0)
	m.QueueFullCount.Store(0)
	m.PRPExhaustedCount.Store(0)
	m.OrphanedCompletionCount.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHistogram[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

var _ Observer = (*Metrics)(nil)
