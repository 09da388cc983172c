package virtqueue

import (
	"encoding/binary"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-virtionet/internal/dma"
	"github.com/ehrlich-b/go-virtionet/internal/wire"
	"github.com/ehrlich-b/go-virtionet/platform"
)

// fakeDevice plays the device side of one queue: it consumes the
// available ring and writes the used ring.
type fakeDevice struct {
	q         *Queue
	mem       platform.Resolver
	lastAvail uint16
	usedIdx   uint16
}

func (d *fakeDevice) pop() (uint16, bool) {
	_, idx := wire.LoadHeader(d.q.avail)
	if idx == d.lastAvail {
		return 0, false
	}
	slot := d.lastAvail & (d.q.size - 1)
	head := binary.LittleEndian.Uint16(d.q.mem[d.q.layout.AvailEntryOffset(slot):])
	d.lastAvail++
	return head, true
}

func (d *fakeDevice) popAll(t *testing.T) []uint16 {
	var heads []uint16
	for {
		h, ok := d.pop()
		if !ok {
			return heads
		}
		heads = append(heads, h)
	}
}

// walk follows a chain through the descriptor table or its indirect table
func (d *fakeDevice) walk(t *testing.T, head uint16) []wire.Desc {
	table := d.q.mem[:wire.DescTableSize(d.q.Size())]
	first, err := wire.GetDesc(table[int(head)*wire.DescSize:])
	require.NoError(t, err)
	if first.Flags&wire.DescFIndirect != 0 {
		var ok bool
		table, ok = d.mem.Resolve(first.Addr, first.Len)
		require.True(t, ok, "indirect table address does not resolve")
		head = 0
	}

	var out []wire.Desc
	i := head
	for {
		desc, err := wire.GetDesc(table[int(i)*wire.DescSize:])
		require.NoError(t, err)
		out = append(out, desc)
		if desc.Flags&wire.DescFNext == 0 {
			return out
		}
		i = desc.Next
		require.Less(t, len(out), 1<<16, "descriptor loop")
	}
}

// complete writes one used element and publishes it
func (d *fakeDevice) complete(id uint32, n uint32) {
	slot := d.usedIdx & (d.q.size - 1)
	wire.UsedElem{ID: id, Len: n}.Put(d.q.mem[d.q.layout.UsedEntryOffset(slot):])
	d.usedIdx++
	flags, _ := wire.LoadHeader(d.q.used)
	wire.StoreHeader(d.q.used, flags, d.usedIdx)
}

func (d *fakeDevice) setNoNotify(on bool) {
	var flags uint16
	if on {
		flags = wire.UsedFNoNotify
	}
	wire.StoreHeader(d.q.used, flags, d.usedIdx)
}

type countingNotifier struct {
	kicks []uint16
}

func (n *countingNotifier) Notify(q uint16) { n.kicks = append(n.kicks, q) }

type fixture struct {
	heap   *platform.HeapAllocator
	pool   *dma.Pool
	q      *Queue
	dev    *fakeDevice
	notify *countingNotifier
}

func newFixture(t *testing.T, size int, opts Options) *fixture {
	t.Helper()
	heap := platform.NewHeapAllocator(platform.AllocatorConfig{})
	pool := dma.NewPool(heap, dma.Config{})
	notify := &countingNotifier{}
	opts.Notifier = notify
	if opts.Indirect {
		opts.Tables = pool
	}
	q, err := New(wire.QueueTransmit, size, heap, opts)
	require.NoError(t, err)
	return &fixture{
		heap:   heap,
		pool:   pool,
		q:      q,
		dev:    &fakeDevice{q: q, mem: heap},
		notify: notify,
	}
}

func (f *fixture) buffers(t *testing.T, n int, size int, dir dma.Direction) []*dma.Buffer {
	t.Helper()
	out := make([]*dma.Buffer, n)
	for i := range out {
		b, err := f.pool.Reserve(size, dir)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func readable(bufs ...*dma.Buffer) []Segment {
	segs := make([]Segment, len(bufs))
	for i, b := range bufs {
		segs[i] = Segment{Buf: b}
	}
	return segs
}

func collect(q *Queue) []Completion {
	var out []Completion
	for c := range q.Drain() {
		out = append(out, c)
	}
	return out
}

func TestNewEmptyForAllSizes(t *testing.T) {
	heap := platform.NewHeapAllocator(platform.AllocatorConfig{})
	for n := 1; n <= wire.MaxQueueSize; n *= 2 {
		q, err := New(0, n, heap, Options{})
		require.NoError(t, err, "size %d", n)

		assert.Empty(t, collect(q), "size %d", n)
		assert.Equal(t, n, q.NumFree())
		assert.Equal(t, 0, q.Pending())
		assert.Equal(t, n, q.Size())
		assert.Zero(t, q.Addr()%wire.RingAlign)
		assert.Equal(t, uint32(q.Addr()>>12), q.PFN())
		assert.Len(t, q.FreeIndices(), n)

		require.NoError(t, q.Close())
	}
	assert.Equal(t, 0, heap.Live())
}

func TestNewRejectsBadSizes(t *testing.T) {
	heap := platform.NewHeapAllocator(platform.AllocatorConfig{})
	for _, n := range []int{0, 3, 6, 1000, 65536} {
		_, err := New(0, n, heap, Options{})
		assert.ErrorIs(t, err, ErrInvalidSize, "size %d", n)
	}
	assert.Equal(t, 0, heap.Live())
}

func TestNewAllocationFailure(t *testing.T) {
	heap := platform.NewHeapAllocator(platform.AllocatorConfig{Base: 0x1000, Limit: 0x1FFF})
	_, err := New(0, 256, heap, Options{})
	assert.ErrorIs(t, err, ErrAllocation)
	assert.ErrorIs(t, err, platform.ErrRegionTooLarge)
}

func TestSubmitWritesChain(t *testing.T) {
	f := newFixture(t, 8, Options{})
	hdr := f.buffers(t, 1, wire.NetHdrSize, dma.FromDevice)[0]
	payload := f.buffers(t, 1, 1514, dma.FromDevice)[0]

	head, err := f.q.Submit([]Segment{
		{Buf: hdr, Writable: true},
		{Buf: payload, Writable: true},
	}, "rx")
	require.NoError(t, err)
	assert.Equal(t, []uint16{wire.QueueTransmit}, f.notify.kicks)
	assert.Equal(t, uint16(1), f.q.AvailIdx())

	heads := f.dev.popAll(t)
	require.Equal(t, []uint16{head}, heads)

	chain := f.dev.walk(t, head)
	require.Len(t, chain, 2)
	assert.Equal(t, hdr.Addr(), chain[0].Addr)
	assert.Equal(t, uint32(wire.NetHdrSize), chain[0].Len)
	assert.Equal(t, uint16(wire.DescFNext|wire.DescFWrite), chain[0].Flags)
	assert.Equal(t, payload.Addr(), chain[1].Addr)
	assert.Equal(t, uint32(1514), chain[1].Len)
	assert.Equal(t, uint16(wire.DescFWrite), chain[1].Flags)
}

func TestFIFOExactlyOnce(t *testing.T) {
	f := newFixture(t, 8, Options{})
	bufs := f.buffers(t, 5, 64, dma.ToDevice)

	heads := map[int]uint16{}
	for i, b := range bufs {
		h, err := f.q.Submit(readable(b), i)
		require.NoError(t, err)
		heads[i] = h
	}
	assert.Equal(t, 5, f.q.Pending())
	assert.Equal(t, 3, f.q.NumFree())

	popped := f.dev.popAll(t)
	require.Len(t, popped, 5)
	// complete out of submission order; drain follows used order
	order := []int{2, 0, 4, 1, 3}
	for _, i := range order {
		f.dev.complete(uint32(heads[i]), 0)
	}

	got := collect(f.q)
	require.Len(t, got, 5)
	for k, c := range got {
		assert.Equal(t, order[k], c.Cookie)
		assert.Equal(t, heads[order[k]], c.Head)
		require.Len(t, c.Buffers, 1)
		assert.True(t, c.Buffers[0].Owned())
	}
	assert.Empty(t, collect(f.q), "completions are yielded exactly once")
	assert.Equal(t, 8, f.q.NumFree())
	assert.Equal(t, 0, f.q.Pending())
	assert.Equal(t, uint64(5), f.q.Stats().Completed)
}

func TestWraparound(t *testing.T) {
	f := newFixture(t, 4, Options{})
	buf := f.buffers(t, 1, 64, dma.Bidirectional)[0]

	const rounds = 70000
	seen := 0
	for i := 0; i < rounds; i++ {
		head, err := f.q.Submit([]Segment{{Buf: buf, Writable: true}}, i)
		require.NoError(t, err)
		h, ok := f.dev.pop()
		require.True(t, ok)
		require.Equal(t, head, h)
		f.dev.complete(uint32(h), 7)

		for c := range f.q.Drain() {
			require.Equal(t, i, c.Cookie)
			require.Equal(t, uint32(7), c.Len)
			seen++
		}
	}
	assert.Equal(t, rounds, seen)
	assert.Equal(t, uint16(rounds%65536), f.q.AvailIdx())
	assert.Equal(t, uint16(rounds%65536), f.q.UsedIdx())
	assert.Equal(t, 4, f.q.NumFree())
}

func TestWraparoundWithBacklog(t *testing.T) {
	f := newFixture(t, 8, Options{})
	bufs := f.buffers(t, 8, 64, dma.ToDevice)

	// keep the ring partly full while the indices cross 2^16
	total := 0
	for round := 0; round < 70000/6; round++ {
		for _, b := range bufs[:6] {
			_, err := f.q.Submit(readable(b), total)
			require.NoError(t, err)
			total++
		}
		for _, h := range f.dev.popAll(t) {
			f.dev.complete(uint32(h), 0)
		}
		base := total - 6
		k := 0
		for c := range f.q.Drain() {
			require.Equal(t, base+k, c.Cookie)
			k++
		}
		require.Equal(t, 6, k)
	}
	assert.Greater(t, total, 1<<16)
}

func TestQueueFullLeavesFreeListUnchanged(t *testing.T) {
	f := newFixture(t, 8, Options{})
	first := f.buffers(t, 4, 64, dma.ToDevice)
	for _, b := range first {
		_, err := f.q.Submit(readable(b), nil)
		require.NoError(t, err)
	}
	require.Equal(t, 4, f.q.NumFree())

	before := f.q.FreeIndices()
	availBefore := f.q.AvailIdx()
	kicks := len(f.notify.kicks)

	six := f.buffers(t, 6, 64, dma.ToDevice)
	_, err := f.q.Submit(readable(six...), nil)
	assert.ErrorIs(t, err, ErrQueueFull)

	assert.Equal(t, before, f.q.FreeIndices())
	assert.Equal(t, availBefore, f.q.AvailIdx())
	assert.Len(t, f.notify.kicks, kicks)
	for _, b := range six {
		assert.True(t, b.Owned(), "buffers are loaned only on success")
	}
	assert.Equal(t, uint64(1), f.q.Stats().Full)
}

func TestChainLongerThanQueue(t *testing.T) {
	f := newFixture(t, 2, Options{})
	_, err := f.q.Submit(readable(f.buffers(t, 3, 64, dma.ToDevice)...), nil)
	assert.ErrorIs(t, err, ErrChainTooLong)
}

func TestIndirectChain(t *testing.T) {
	f := newFixture(t, 4, Options{Indirect: true, IndirectThreshold: 3})
	bufs := f.buffers(t, 6, 128, dma.ToDevice)

	head, err := f.q.Submit(readable(bufs...), "big")
	require.NoError(t, err)
	assert.Equal(t, 3, f.q.NumFree(), "an indirect chain takes one descriptor")
	inUse := f.pool.Stats().InUse
	assert.Equal(t, 7, inUse, "six buffers and the table")

	popped := f.dev.popAll(t)
	require.Equal(t, []uint16{head}, popped)
	chain := f.dev.walk(t, head)
	require.Len(t, chain, 6)
	for i, d := range chain {
		assert.Equal(t, bufs[i].Addr(), d.Addr)
		assert.Zero(t, d.Flags&wire.DescFWrite)
	}

	f.dev.complete(uint32(head), 0)
	got := collect(f.q)
	require.Len(t, got, 1)
	assert.Equal(t, "big", got[0].Cookie)
	assert.Len(t, got[0].Buffers, 6)
	assert.Equal(t, 4, f.q.NumFree())
	assert.Equal(t, 6, f.pool.Stats().InUse, "table went back to the pool")

	// short chains stay direct
	_, err = f.q.Submit(readable(bufs[:2]...), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.q.NumFree())
}

func TestLoanedBuffersCannotBeResubmitted(t *testing.T) {
	f := newFixture(t, 8, Options{})
	b := f.buffers(t, 1, 64, dma.ToDevice)[0]

	_, err := f.q.Submit(readable(b), nil)
	require.NoError(t, err)
	assert.True(t, b.Loaned())
	assert.Nil(t, b.Bytes())

	before := f.q.FreeIndices()
	_, err = f.q.Submit(readable(b), nil)
	assert.ErrorIs(t, err, dma.ErrBufferInFlight)
	assert.Equal(t, before, f.q.FreeIndices())

	// a chain naming one buffer twice is rejected as a whole
	other := f.buffers(t, 1, 64, dma.ToDevice)[0]
	_, err = f.q.Submit(readable(other, other), nil)
	assert.ErrorIs(t, err, dma.ErrBufferInFlight)
	assert.True(t, other.Owned())
	assert.Equal(t, before, f.q.FreeIndices())
}

func TestInvalidUsedIDs(t *testing.T) {
	f := newFixture(t, 8, Options{})
	b := f.buffers(t, 1, 64, dma.ToDevice)[0]
	head, err := f.q.Submit(readable(b), "ok")
	require.NoError(t, err)
	f.dev.popAll(t)

	f.dev.complete(99, 0)             // out of range
	f.dev.complete(uint32(head+1), 0) // free descriptor
	f.dev.complete(uint32(head), 0)
	f.dev.complete(uint32(head), 0) // duplicate

	got := collect(f.q)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Cookie)
	assert.Equal(t, uint64(3), f.q.Stats().InvalidUsed)
	assert.Equal(t, 8, f.q.NumFree())
}

func TestUsedIndexTooFarAhead(t *testing.T) {
	f := newFixture(t, 4, Options{})
	wire.StoreHeader(f.q.used, 0, 1000)
	assert.Empty(t, collect(f.q))
	assert.NotZero(t, f.q.Stats().InvalidUsed)
}

func TestNotifySuppression(t *testing.T) {
	f := newFixture(t, 8, Options{})
	bufs := f.buffers(t, 2, 64, dma.ToDevice)

	f.dev.setNoNotify(true)
	_, err := f.q.Submit(readable(bufs[0]), nil)
	require.NoError(t, err)
	assert.Empty(t, f.notify.kicks)

	f.dev.setNoNotify(false)
	_, err = f.q.Submit(readable(bufs[1]), nil)
	require.NoError(t, err)
	assert.Len(t, f.notify.kicks, 1)

	st := f.q.Stats()
	assert.Equal(t, uint64(1), st.Notifies)
	assert.Equal(t, uint64(1), st.NotifySuppressed)
}

func TestInterruptHint(t *testing.T) {
	f := newFixture(t, 8, Options{})
	f.q.DisableInterrupts()
	flags, _ := wire.LoadHeader(f.q.avail)
	assert.Equal(t, uint16(wire.AvailFNoInterrupt), flags)

	// publishing keeps the hint
	_, err := f.q.Submit(readable(f.buffers(t, 1, 64, dma.ToDevice)...), nil)
	require.NoError(t, err)
	flags, idx := wire.LoadHeader(f.q.avail)
	assert.Equal(t, uint16(wire.AvailFNoInterrupt), flags)
	assert.Equal(t, uint16(1), idx)

	f.q.EnableInterrupts()
	flags, _ = wire.LoadHeader(f.q.avail)
	assert.Zero(t, flags)
}

func TestDrainStopsEarly(t *testing.T) {
	f := newFixture(t, 8, Options{})
	for i, b := range f.buffers(t, 3, 64, dma.ToDevice) {
		_, err := f.q.Submit(readable(b), i)
		require.NoError(t, err)
	}
	for _, h := range f.dev.popAll(t) {
		f.dev.complete(uint32(h), 0)
	}

	for c := range f.q.Drain() {
		assert.Equal(t, 0, c.Cookie)
		break
	}
	assert.Equal(t, 2, f.q.Pending())
	assert.True(t, f.q.HasCompletions())

	rest := collect(f.q)
	require.Len(t, rest, 2)
	assert.Equal(t, 1, rest[0].Cookie)
	assert.False(t, f.q.HasCompletions())
}

func TestResubmitFromDrainLoop(t *testing.T) {
	f := newFixture(t, 2, Options{})
	bufs := f.buffers(t, 2, 64, dma.FromDevice)
	for _, b := range bufs {
		_, err := f.q.Submit([]Segment{{Buf: b, Writable: true}}, nil)
		require.NoError(t, err)
	}
	for _, h := range f.dev.popAll(t) {
		f.dev.complete(uint32(h), 64)
	}

	n := 0
	for c := range f.q.Drain() {
		_, err := f.q.Submit([]Segment{{Buf: c.Buffers[0], Writable: true}}, nil)
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.q.Pending())
}

func TestCompletedDescriptorsHeldUntilNextStep(t *testing.T) {
	f := newFixture(t, 4, Options{})
	bufs := f.buffers(t, 2, 64, dma.ToDevice)
	for i, b := range bufs {
		_, err := f.q.Submit(readable(b), i)
		require.NoError(t, err)
	}
	for _, h := range f.dev.popAll(t) {
		f.dev.complete(uint32(h), 0)
	}

	var prev []uint16
	for c := range f.q.Drain() {
		assert.Equal(t, descCompleted, f.q.states[c.Head], "chain %v", c.Cookie)
		assert.NotContains(t, f.q.FreeIndices(), c.Head)
		assert.True(t, c.Buffers[0].Owned(), "buffers come back with the completion")
		for _, h := range prev {
			assert.Equal(t, descFree, f.q.states[h], "earlier chains settle on the next step")
		}
		prev = append(prev, c.Head)
	}
	require.Len(t, prev, 2)
	assert.Equal(t, 4, f.q.NumFree())
	for _, h := range prev {
		assert.Equal(t, descFree, f.q.states[h])
	}
}

func TestInterleavedDrains(t *testing.T) {
	f := newFixture(t, 8, Options{})
	bufs := f.buffers(t, 7, 64, dma.ToDevice)
	for i, b := range bufs[:3] {
		_, err := f.q.Submit(readable(b), i)
		require.NoError(t, err)
	}
	heads := f.dev.popAll(t)
	require.Len(t, heads, 3)
	f.dev.complete(uint32(heads[0]), 0)

	// the first drain stops after one completion with its snapshot taken
	next, stop := iter.Pull(f.q.Drain())
	defer stop()
	c, ok := next()
	require.True(t, ok)
	assert.Equal(t, 0, c.Cookie)

	// a second drain consumes past the first one's snapshot
	f.dev.complete(uint32(heads[1]), 0)
	f.dev.complete(uint32(heads[2]), 0)
	got := collect(f.q)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Cookie)
	assert.Equal(t, 2, got[1].Cookie)

	for i, b := range bufs[3:] {
		_, err := f.q.Submit(readable(b), 3+i)
		require.NoError(t, err)
	}
	f.dev.popAll(t)

	c, ok = next()
	assert.False(t, ok, "resumed drain yielded %v", c.Cookie)
	assert.Equal(t, 4, f.q.Pending())
	assert.Equal(t, f.q.UsedIdx(), f.q.lastUsed)
	assert.Zero(t, f.q.Stats().InvalidUsed)
	for _, b := range bufs[3:] {
		assert.True(t, b.Loaned(), "chains the device never completed stay on loan")
	}
}

func TestChainLongerThanFreeListIsQueueFull(t *testing.T) {
	f := newFixture(t, 4, Options{})
	before := f.q.FreeIndices()
	require.Len(t, before, 4)

	six := f.buffers(t, 6, 64, dma.ToDevice)
	_, err := f.q.Submit(readable(six...), nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, ErrChainTooLong)

	assert.Equal(t, before, f.q.FreeIndices())
	assert.Zero(t, f.q.AvailIdx())
	assert.Equal(t, uint64(1), f.q.Stats().Full)
	for _, b := range six {
		assert.True(t, b.Owned())
	}
}

func TestDirectionMismatch(t *testing.T) {
	f := newFixture(t, 8, Options{})
	rx := f.buffers(t, 1, 64, dma.FromDevice)[0]
	tx := f.buffers(t, 1, 64, dma.ToDevice)[0]

	_, err := f.q.Submit(readable(rx), nil)
	assert.ErrorIs(t, err, ErrDirection)
	_, err = f.q.Submit([]Segment{{Buf: tx, Writable: true}}, nil)
	assert.ErrorIs(t, err, ErrDirection)
	_, err = f.q.Submit(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyChain)
	assert.Equal(t, 8, f.q.NumFree())
}

func TestResetAndClose(t *testing.T) {
	f := newFixture(t, 8, Options{})
	bufs := f.buffers(t, 3, 64, dma.ToDevice)
	for i, b := range bufs {
		_, err := f.q.Submit(readable(b), i)
		require.NoError(t, err)
	}
	assert.ErrorIs(t, f.q.Close(), ErrChainsPending)

	reclaimed := f.q.Reset()
	require.Len(t, reclaimed, 3)
	for _, c := range reclaimed {
		for _, b := range c.Buffers {
			assert.True(t, b.Owned())
		}
	}
	assert.Equal(t, 8, f.q.NumFree())
	assert.Equal(t, uint16(0), f.q.AvailIdx())
	assert.Equal(t, 0, f.pool.Stats().Loaned)

	require.NoError(t, f.q.Close())
	assert.NoError(t, f.q.Close())
	_, err := f.q.Submit(readable(bufs[0]), nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, collect(f.q))
	assert.Equal(t, 0, f.heap.Live()-f.pool.Stats().Slabs)
}
