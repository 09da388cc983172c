package virtqueue

import (
	"iter"

	"github.com/ehrlich-b/go-virtionet/internal/wire"
)

// Drain returns the chains the device has completed, oldest first. The
// used index is sampled once when iteration starts, so the sequence is
// finite even if the device keeps completing. Each step takes the queue
// lock on its own; the caller's loop body runs unlocked and may Submit.
// Several Drains may run at once; each completion goes to exactly one.
//
// The descriptors of a yielded chain stay completed while the loop body
// runs and rejoin the free list at the next step, the next Submit or the
// end of iteration, whichever comes first.
//
// Used entries naming an index that is out of range or not the head of a
// submitted chain are counted and skipped.
func (q *Queue) Drain() iter.Seq[Completion] {
	return func(yield func(Completion) bool) {
		end, ok := q.snapshotUsed()
		if !ok {
			return
		}
		defer q.finish()
		for {
			c, ok := q.next(end)
			if !ok || !yield(c) {
				return
			}
		}
	}
}

func (q *Queue) snapshotUsed() (uint16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, false
	}
	_, end := wire.LoadHeader(q.used)

	// A device cannot have more than size entries outstanding; anything
	// beyond that is not trusted.
	if ahead := end - q.lastUsed; ahead > q.size {
		q.invalidUsed.Add(1)
		if q.opts.Logger != nil {
			q.opts.Logger.Printf("queue %d: used idx %d is %d entries ahead of %d, clamping",
				q.index, end, ahead, q.lastUsed)
		}
		end = q.lastUsed + q.size
	}
	return end, true
}

func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.settle()
	}
}

// next pops used entries up to end until one names a valid chain. Another
// Drain may have consumed past end already, which leaves lastUsed more
// than size entries "behind" end.
func (q *Queue) next(end uint16) (Completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Completion{}, false
	}
	q.settle()

	for ahead := end - q.lastUsed; ahead != 0 && ahead <= q.size; ahead = end - q.lastUsed {
		slot := q.lastUsed & (q.size - 1)
		elem, _ := wire.GetUsedElem(q.mem[q.layout.UsedEntryOffset(slot):])
		q.lastUsed++

		if elem.ID >= uint32(q.size) || q.states[elem.ID] != descSubmitted || q.chains[elem.ID] == nil {
			q.invalidUsed.Add(1)
			if q.opts.Logger != nil {
				q.opts.Logger.Printf("queue %d: used entry %d names id %d which is not a submitted head",
					q.index, q.lastUsed-1, elem.ID)
			}
			continue
		}
		q.completed.Add(1)
		return q.reclaim(uint16(elem.ID), elem.Len), true
	}
	return Completion{}, false
}
