package virtionet

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-virtionet/internal/intr"
	"github.com/ehrlich-b/go-virtionet/internal/wire"
)

// LatencyBuckets defines the transmit completion latency histogram buckets
// in nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
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

// Metrics tracks packet and interrupt statistics for one device
type Metrics struct {
	// Packet counters
	RXPackets atomic.Uint64 // Frames handed upstream
	TXPackets atomic.Uint64 // Frames the device consumed
	RXBytes   atomic.Uint64 // Bytes handed upstream
	TXBytes   atomic.Uint64 // Bytes the device consumed

	// Error counters
	RXDrops   atomic.Uint64 // Received frames not delivered
	TXErrors  atomic.Uint64 // Transmit attempts that failed
	QueueFull atomic.Uint64 // Submissions refused for lack of descriptors

	// Interrupt statistics
	Interrupts       atomic.Uint64 // Interrupts delivered to the handler
	Unclaimed        atomic.Uint64 // Interrupts with a zero ISR
	QueueEvents      atomic.Uint64 // ISR queue-update causes
	ConfigEvents     atomic.Uint64 // ISR config-change causes
	UnexpectedCauses atomic.Uint64 // ISR bits the driver does not know
	Completions      [wire.NumQueues]atomic.Uint64

	// Transmit completion latency
	TotalLatencyNs atomic.Uint64 // Cumulative submit-to-completion latency
	OpCount        atomic.Uint64 // Completed transmits (for average latency)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of transmits with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // Attach timestamp (UnixNano)
	StopTime  atomic.Int64 // Close timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRX records a received frame, delivered or dropped
func (m *Metrics) RecordRX(bytes uint64, delivered bool) {
	if delivered {
		m.RXPackets.Add(1)
		m.RXBytes.Add(bytes)
	} else {
		m.RXDrops.Add(1)
	}
}

// RecordTX records a transmit completion or failure
func (m *Metrics) RecordTX(bytes uint64, latencyNs uint64, success bool) {
	if !success {
		m.TXErrors.Add(1)
		return
	}
	m.TXPackets.Add(1)
	m.TXBytes.Add(bytes)
	m.recordLatency(latencyNs)
}

// RecordQueueFull records a refused submission
func (m *Metrics) RecordQueueFull() {
	m.QueueFull.Add(1)
}

// RecordInterrupt records one interrupt delivery and its causes
func (m *Metrics) RecordInterrupt(isr uint8, claimed bool) {
	m.Interrupts.Add(1)
	if !claimed {
		m.Unclaimed.Add(1)
		return
	}
	if isr&wire.ISRQueue != 0 {
		m.QueueEvents.Add(1)
	}
	if isr&wire.ISRConfig != 0 {
		m.ConfigEvents.Add(1)
	}
	if isr&^wire.ISRKnown != 0 {
		m.UnexpectedCauses.Add(1)
	}
}

// RecordCompletion records one drained chain on queue q
func (m *Metrics) RecordCompletion(q uint16) {
	if int(q) < len(m.Completions) {
		m.Completions[q].Add(1)
	}
}

// recordLatency records transmit latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates
type MetricsSnapshot struct {
	RXPackets uint64
	TXPackets uint64
	RXBytes   uint64
	TXBytes   uint64

	RXDrops   uint64
	TXErrors  uint64
	QueueFull uint64

	Interrupts       uint64
	Unclaimed        uint64
	QueueEvents      uint64
	ConfigEvents     uint64
	UnexpectedCauses uint64
	Completions      [wire.NumQueues]uint64

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	RXPacketRate float64 // Packets per second
	TXPacketRate float64
	RXBandwidth  float64 // Bytes per second
	TXBandwidth  float64
	DropRate     float64 // Percentage of received frames dropped
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RXPackets:        m.RXPackets.Load(),
		TXPackets:        m.TXPackets.Load(),
		RXBytes:          m.RXBytes.Load(),
		TXBytes:          m.TXBytes.Load(),
		RXDrops:          m.RXDrops.Load(),
		TXErrors:         m.TXErrors.Load(),
		QueueFull:        m.QueueFull.Load(),
		Interrupts:       m.Interrupts.Load(),
		Unclaimed:        m.Unclaimed.Load(),
		QueueEvents:      m.QueueEvents.Load(),
		ConfigEvents:     m.ConfigEvents.Load(),
		UnexpectedCauses: m.UnexpectedCauses.Load(),
	}
	for i := range snap.Completions {
		snap.Completions[i] = m.Completions[i].Load()
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
		snap.RXPacketRate = float64(snap.RXPackets) / uptimeSeconds
		snap.TXPacketRate = float64(snap.TXPackets) / uptimeSeconds
		snap.RXBandwidth = float64(snap.RXBytes) / uptimeSeconds
		snap.TXBandwidth = float64(snap.TXBytes) / uptimeSeconds
	}

	if received := snap.RXPackets + snap.RXDrops; received > 0 {
		snap.DropRate = float64(snap.RXDrops) / float64(received) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
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

	// latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer interface allows pluggable metrics collection. It includes the
// interrupt dispatcher's observer, so one value sees both packet and
// interrupt events.
type Observer interface {
	intr.Observer

	// ObserveRX is called for each received frame
	ObserveRX(bytes uint64, delivered bool)

	// ObserveTX is called for each transmit completion or failure
	ObserveTX(bytes uint64, latencyNs uint64, success bool)

	// ObserveQueueFull is called when a submission finds no descriptors
	ObserveQueueFull(queue uint16)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveInterrupt(uint8, bool) {}
func (NoOpObserver) ObserveCompletion(uint16) {}
func (NoOpObserver) ObserveRX(uint64, bool) {}
func (NoOpObserver) ObserveTX(uint64, uint64, bool) {}
func (NoOpObserver) ObserveQueueFull(uint16) {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveInterrupt(isr uint8, claimed bool) {
	o.metrics.RecordInterrupt(isr, claimed)
}

func (o *MetricsObserver) ObserveCompletion(queue uint16) {
	o.metrics.RecordCompletion(queue)
}

func (o *MetricsObserver) ObserveRX(bytes uint64, delivered bool) {
	o.metrics.RecordRX(bytes, delivered)
}

func (o *MetricsObserver) ObserveTX(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordTX(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueFull(uint16) {
	o.metrics.RecordQueueFull()
}

// MultiObserver fans every event out to several observers
type MultiObserver []Observer

func (m MultiObserver) ObserveInterrupt(isr uint8, claimed bool) {
	for _, o := range m {
		o.ObserveInterrupt(isr, claimed)
	}
}

func (m MultiObserver) ObserveCompletion(queue uint16) {
	for _, o := range m {
		o.ObserveCompletion(queue)
	}
}

func (m MultiObserver) ObserveRX(bytes uint64, delivered bool) {
	for _, o := range m {
		o.ObserveRX(bytes, delivered)
	}
}

func (m MultiObserver) ObserveTX(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m {
		o.ObserveTX(bytes, latencyNs, success)
	}
}

func (m MultiObserver) ObserveQueueFull(queue uint16) {
	for _, o := range m {
		o.ObserveQueueFull(queue)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = MultiObserver(nil)
