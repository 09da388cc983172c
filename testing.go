package virtionet

import (
	"sync"
	"time"
)

// MockUpstream provides a mock implementation of Upstream for testing.
// It copies every received frame and tracks callbacks for verification.
type MockUpstream struct {
	// Hold keeps packets unreleased until ReleaseAll
	Hold bool

	mu      sync.Mutex
	frames  [][]byte
	held    []ReceivedPacket
	links   []LinkState
	arrived chan struct{}
}

// NewMockUpstream creates a mock upstream that releases packets as soon
// as they arrive
func NewMockUpstream() *MockUpstream {
	return &MockUpstream{arrived: make(chan struct{}, 1)}
}

// PacketReceived implements Upstream
func (m *MockUpstream) PacketReceived(pkt ReceivedPacket) {
	frame := append([]byte(nil), pkt.Bytes()...)

	m.mu.Lock()
	m.frames = append(m.frames, frame)
	if m.Hold {
		m.held = append(m.held, pkt)
	}
	m.mu.Unlock()

	if !m.Hold {
		pkt.Release()
	}
	m.signal()
}

// LinkChanged implements Upstream
func (m *MockUpstream) LinkChanged(state LinkState) {
	m.mu.Lock()
	m.links = append(m.links, state)
	m.mu.Unlock()
	m.signal()
}

func (m *MockUpstream) signal() {
	select {
	case m.arrived <- struct{}{}:
	default:
	}
}

// Frames returns copies of the frames received so far
func (m *MockUpstream) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.frames...)
}

// LinkChanges returns the link states reported so far
func (m *MockUpstream) LinkChanges() []LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LinkState(nil), m.links...)
}

// Held returns the number of packets not yet released
func (m *MockUpstream) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// ReleaseAll releases every held packet
func (m *MockUpstream) ReleaseAll() {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()
	for _, pkt := range held {
		pkt.Release()
	}
}

// WaitFrames waits until at least n frames arrived or timeout passes
func (m *MockUpstream) WaitFrames(n int, timeout time.Duration) bool {
	return m.wait(timeout, func() bool { return len(m.frames) >= n })
}

// WaitLinkChanges waits until at least n link changes arrived
func (m *MockUpstream) WaitLinkChanges(n int, timeout time.Duration) bool {
	return m.wait(timeout, func() bool { return len(m.links) >= n })
}

func (m *MockUpstream) wait(timeout time.Duration, done func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		ok := done()
		m.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-m.arrived:
		case <-time.After(time.Millisecond):
		case <-deadline.C:
			return false
		}
	}
}

// Compile-time interface check
var _ Upstream = (*MockUpstream)(nil)
