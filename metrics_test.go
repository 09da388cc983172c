package virtionet

import (
	"testing"
	"time"

	"github.com/ehrlich-b/go-virtionet/internal/wire"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Test initial state
	snap := m.Snapshot()
	if snap.RXPackets != 0 || snap.TXPackets != 0 {
		t.Errorf("Expected no initial packets, got rx=%d tx=%d", snap.RXPackets, snap.TXPackets)
	}

	// Record some frames
	m.RecordRX(1514, true)            // delivered
	m.RecordRX(60, true)              // delivered
	m.RecordRX(60, false)             // dropped
	m.RecordTX(1000, 1_000_000, true) // 1ms completion
	m.RecordTX(1000, 0, false)        // failed submit
	m.RecordQueueFull()

	snap = m.Snapshot()

	if snap.RXPackets != 2 {
		t.Errorf("Expected 2 received frames, got %d", snap.RXPackets)
	}
	if snap.RXBytes != 1574 {
		t.Errorf("Expected 1574 received bytes, got %d", snap.RXBytes)
	}
	if snap.RXDrops != 1 {
		t.Errorf("Expected 1 drop, got %d", snap.RXDrops)
	}

	// Only completed transmits count bytes
	if snap.TXPackets != 1 || snap.TXBytes != 1000 {
		t.Errorf("Expected 1 transmit of 1000 bytes, got %d/%d", snap.TXPackets, snap.TXBytes)
	}
	if snap.TXErrors != 1 {
		t.Errorf("Expected 1 transmit error, got %d", snap.TXErrors)
	}
	if snap.QueueFull != 1 {
		t.Errorf("Expected 1 queue full, got %d", snap.QueueFull)
	}

	expectedDropRate := float64(1) / float64(3) * 100.0
	if snap.DropRate < expectedDropRate-0.1 || snap.DropRate > expectedDropRate+0.1 {
		t.Errorf("Expected drop rate ~%.1f%%, got %.1f%%", expectedDropRate, snap.DropRate)
	}
}

func TestMetricsInterrupts(t *testing.T) {
	m := NewMetrics()

	m.RecordInterrupt(wire.ISRQueue, true)
	m.RecordInterrupt(wire.ISRQueue|wire.ISRConfig, true)
	m.RecordInterrupt(0x80, true)
	m.RecordInterrupt(0, false)
	m.RecordCompletion(wire.QueueReceive)
	m.RecordCompletion(wire.QueueControl)
	m.RecordCompletion(7) // ignored

	snap := m.Snapshot()
	if snap.Interrupts != 4 {
		t.Errorf("Expected 4 interrupts, got %d", snap.Interrupts)
	}
	if snap.Unclaimed != 1 {
		t.Errorf("Expected 1 unclaimed interrupt, got %d", snap.Unclaimed)
	}
	if snap.QueueEvents != 2 || snap.ConfigEvents != 1 {
		t.Errorf("Expected 2 queue and 1 config events, got %d/%d", snap.QueueEvents, snap.ConfigEvents)
	}
	if snap.UnexpectedCauses != 1 {
		t.Errorf("Expected 1 unexpected cause, got %d", snap.UnexpectedCauses)
	}
	if snap.Completions != [wire.NumQueues]uint64{1, 0, 1} {
		t.Errorf("Unexpected completions %v", snap.Completions)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	// Record transmits with known latencies
	m.RecordTX(64, 1000000, true) // 1ms
	m.RecordTX(64, 2000000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1500000) // 1.5ms in nanoseconds
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	// Sleep briefly to generate uptime
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()

	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	// Stop metrics and check stopped uptime
	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	// Uptime should not have increased significantly after stop
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 { // Allow 2ms tolerance
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestObserver(t *testing.T) {
	// Test NoOpObserver doesn't panic
	observer := &NoOpObserver{}
	observer.ObserveInterrupt(wire.ISRQueue, true)
	observer.ObserveCompletion(wire.QueueTransmit)
	observer.ObserveRX(1024, true)
	observer.ObserveTX(1024, 1000000, true)
	observer.ObserveQueueFull(wire.QueueTransmit)

	// Test MetricsObserver forwards to metrics
	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveRX(1024, true)
	metricsObserver.ObserveTX(2048, 2000000, true)
	metricsObserver.ObserveQueueFull(wire.QueueTransmit)

	snap := m.Snapshot()
	if snap.RXPackets != 1 || snap.RXBytes != 1024 {
		t.Errorf("Expected 1 received frame of 1024 bytes from observer, got %d/%d", snap.RXPackets, snap.RXBytes)
	}
	if snap.TXPackets != 1 || snap.TXBytes != 2048 {
		t.Errorf("Expected 1 transmit of 2048 bytes from observer, got %d/%d", snap.TXPackets, snap.TXBytes)
	}
	if snap.QueueFull != 1 {
		t.Errorf("Expected 1 queue full from observer, got %d", snap.QueueFull)
	}
}

func TestMultiObserver(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	multi := MultiObserver{NewMetricsObserver(a), NewMetricsObserver(b)}

	multi.ObserveRX(100, true)
	multi.ObserveInterrupt(wire.ISRConfig, true)

	for i, m := range []*Metrics{a, b} {
		snap := m.Snapshot()
		if snap.RXPackets != 1 || snap.ConfigEvents != 1 {
			t.Errorf("observer %d: expected 1 frame and 1 config event, got %d/%d", i, snap.RXPackets, snap.ConfigEvents)
		}
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	// Simulate a known time period
	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordRX(1024, true)
	m.RecordTX(2048, 2000000, true)

	// Simulate 1 second has passed
	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	// Packet rates should be 1 per second each way
	if snap.RXPacketRate < 0.9 || snap.RXPacketRate > 1.1 {
		t.Errorf("Expected RXPacketRate ~1.0, got %.2f", snap.RXPacketRate)
	}
	if snap.TXPacketRate < 0.9 || snap.TXPacketRate > 1.1 {
		t.Errorf("Expected TXPacketRate ~1.0, got %.2f", snap.TXPacketRate)
	}

	if snap.RXBandwidth < 1000 || snap.RXBandwidth > 1050 {
		t.Errorf("Expected RXBandwidth ~1024, got %.2f", snap.RXBandwidth)
	}
	if snap.TXBandwidth < 2000 || snap.TXBandwidth > 2100 {
		t.Errorf("Expected TXBandwidth ~2048, got %.2f", snap.TXBandwidth)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// 50 completions at 500us, 49 at 5ms, 1 at 50ms
	for i := 0; i < 50; i++ {
		m.RecordTX(64, 500_000, true)
	}
	for i := 0; i < 49; i++ {
		m.RecordTX(64, 5_000_000, true)
	}
	m.RecordTX(64, 50_000_000, true)

	snap := m.Snapshot()

	if snap.TXPackets != 100 {
		t.Errorf("Expected 100 transmits, got %d", snap.TXPackets)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	// Buckets are cumulative; the last one holds every completion
	if snap.LatencyHistogram[numLatencyBuckets-1] != 100 {
		t.Errorf("Expected 100 in the last bucket, got %d", snap.LatencyHistogram[numLatencyBuckets-1])
	}
}
