package wpool

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the task-latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a Pool.
type Metrics struct {
	TasksSubmitted atomic.Uint64
	TasksCompleted atomic.Uint64
	TasksFailed    atomic.Uint64
	TasksCancelled atomic.Uint64
	TasksTimedOut  atomic.Uint64

	BusyNs atomic.Uint64 // cumulative time workers spent executing tasks

	QueueDepthTotal atomic.Uint64 // cumulative queue depth samples
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyBuckets[i] holds the cumulative count of tasks whose
	// latency was <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // Pool start timestamp (UnixNano)
	StopTime  atomic.Int64 // Pool terminate timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCompleted records a successfully completed task.
func (m *Metrics) RecordCompleted(latencyNs uint64) {
	m.TasksCompleted.Add(1)
	m.BusyNs.Add(latencyNs)
	m.recordLatency(latencyNs)
}

// RecordFailed records a task that failed with an error.
func (m *Metrics) RecordFailed(latencyNs uint64) {
	m.TasksFailed.Add(1)
	m.BusyNs.Add(latencyNs)
	m.recordLatency(latencyNs)
}

// RecordCancelled records a task cancelled before or during execution.
func (m *Metrics) RecordCancelled() {
	m.TasksCancelled.Add(1)
}

// RecordTimedOut records a task that exceeded its deadline.
func (m *Metrics) RecordTimedOut() {
	m.TasksTimedOut.Add(1)
}

// RecordSubmitted records a task entering the Pool's queue.
func (m *Metrics) RecordSubmitted() {
	m.TasksSubmitted.Add(1)
}

// RecordQueueDepth records the current queue depth, for Snapshot's
// average and maximum queue depth.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
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

// Stop marks the pool as terminated.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics, returned by
// Pool.Stats.
type MetricsSnapshot struct {
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksFailed    uint64
	TasksCancelled uint64
	TasksTimedOut  uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP95Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	Throughput  float64 // completed tasks per second
	Utilization float64 // fraction of uptime spent busy
	ErrorRate   float64 // percentage of terminal tasks that failed
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TasksSubmitted: m.TasksSubmitted.Load(),
		TasksCompleted: m.TasksCompleted.Load(),
		TasksFailed:    m.TasksFailed.Load(),
		TasksCancelled: m.TasksCancelled.Load(),
		TasksTimedOut:  m.TasksTimedOut.Load(),
		MaxQueueDepth:  m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

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
		snap.Throughput = float64(snap.TasksCompleted) / uptimeSeconds
		snap.Utilization = float64(m.BusyNs.Load()) / float64(snap.UptimeNs)
	}

	terminal := snap.TasksCompleted + snap.TasksFailed
	if terminal > 0 {
		snap.ErrorRate = float64(snap.TasksFailed) / float64(terminal) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP95Ns = m.calculatePercentile(0.95)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
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

// Reset resets all metrics counters. Useful for tests.
func (m *Metrics) Reset() {
	m.TasksSubmitted.Store(0)
	m.TasksCompleted.Store(0)
	m.TasksFailed.Store(0)
	m.TasksCancelled.Store(0)
	m.TasksTimedOut.Store(0)
	m.BusyNs.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, keyed by task
// lifecycle events.
type Observer interface {
	ObserveCompleted(latencyNs uint64)
	ObserveFailed(latencyNs uint64)
	ObserveCancelled()
	ObserveTimedOut()
	ObserveSubmitted()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCompleted(uint64)  {}
func (NoOpObserver) ObserveFailed(uint64)     {}
func (NoOpObserver) ObserveCancelled()        {}
func (NoOpObserver) ObserveTimedOut()         {}
func (NoOpObserver) ObserveSubmitted()        {}
func (NoOpObserver) ObserveQueueDepth(uint32) {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCompleted(latencyNs uint64) { o.metrics.RecordCompleted(latencyNs) }
func (o *MetricsObserver) ObserveFailed(latencyNs uint64)    { o.metrics.RecordFailed(latencyNs) }
func (o *MetricsObserver) ObserveCancelled()                 { o.metrics.RecordCancelled() }
func (o *MetricsObserver) ObserveTimedOut()                  { o.metrics.RecordTimedOut() }
func (o *MetricsObserver) ObserveSubmitted()                 { o.metrics.RecordSubmitted() }
func (o *MetricsObserver) ObserveQueueDepth(depth uint32)    { o.metrics.RecordQueueDepth(depth) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
