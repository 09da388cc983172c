package platform

import (
	"sync"
	"sync/atomic"
)

// SharedLine is an interrupt line that can be shared by several
// handlers, like a legacy INTx pin. Raise delivers one interrupt to every
// enabled handler and reports whether any of them claimed it.
type SharedLine struct {
	mu       sync.Mutex
	handlers []*lineRegistration

	raised    atomic.Uint64
	unclaimed atomic.Uint64
}

// NewSharedLine creates an interrupt line with no handlers
func NewSharedLine() *SharedLine {
	return &SharedLine{}
}

type lineRegistration struct {
	line    *SharedLine
	handler Handler
	enabled atomic.Bool
	removed atomic.Bool
}

// Register implements InterruptLine
func (l *SharedLine) Register(h Handler) (Registration, error) {
	reg := &lineRegistration{line: l, handler: h}
	l.mu.Lock()
	l.handlers = append(l.handlers, reg)
	l.mu.Unlock()
	return reg, nil
}

// Raise delivers an interrupt. Handlers run on the caller's goroutine,
// one after another, in registration order.
func (l *SharedLine) Raise() Claim {
	l.raised.Add(1)

	l.mu.Lock()
	handlers := make([]*lineRegistration, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()

	result := Unclaimed
	for _, reg := range handlers {
		if !reg.enabled.Load() {
			continue
		}
		if reg.handler() == Claimed {
			result = Claimed
		}
	}
	if result == Unclaimed {
		l.unclaimed.Add(1)
	}
	return result
}

// Raised returns how many interrupts were delivered
func (l *SharedLine) Raised() uint64 { return l.raised.Load() }

// Unclaimed returns how many interrupts no handler claimed
func (l *SharedLine) Unclaimed() uint64 { return l.unclaimed.Load() }

// Handlers returns the number of installed handlers
func (l *SharedLine) Handlers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

func (r *lineRegistration) Enable() error {
	if r.removed.Load() {
		return ErrHandlerRemoved
	}
	r.enabled.Store(true)
	return nil
}

func (r *lineRegistration) Disable() error {
	if r.removed.Load() {
		return ErrHandlerRemoved
	}
	r.enabled.Store(false)
	return nil
}

func (r *lineRegistration) Remove() error {
	if r.removed.Swap(true) {
		return ErrHandlerRemoved
	}
	r.enabled.Store(false)

	l := r.line
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.handlers {
		if cur == r {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			break
		}
	}
	return nil
}

var _ InterruptLine = (*SharedLine)(nil)
