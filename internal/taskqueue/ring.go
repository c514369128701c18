package taskqueue

import (
	"sync/atomic"

	"github.com/riverrun/wpool/internal/ringslot"
)

// ringCell holds one lock-free ring entry: the Empty/Writing/Ready/
// Reading status word from internal/ringslot plus the packed
// (slot_index, priority) word, kept alongside the actual Item (Go
// doesn't need the packing for correctness the way a C ABI would, but
// it keeps the slot_index/priority pairing explicit).
type ringCell struct {
	status uint32
	packed uint64
	item   Item
}

func pack(slotIndex, priority uint32) uint64 {
	return uint64(slotIndex)<<32 | uint64(priority)
}

// Ring is a power-of-two-sized lock-free SPSC ring: head/tail cursors
// advance by atomic fetch-add and each cell's status word is guarded
// by CAS, the same state machine the shared-memory channel uses for
// its slots.
type Ring struct {
	capacity uint32
	mask     uint32
	cells    []ringCell
	head     uint32
	tail     uint32
}

// NewRing creates a ring with room for at least capacity entries,
// rounded up to the next power of two.
func NewRing(capacity int) *Ring {
	cap := nextPowerOfTwo(capacity)
	if cap < 2 {
		cap = 2
	}
	return &Ring{capacity: uint32(cap), mask: uint32(cap - 1), cells: make([]ringCell, cap)}
}

// TryPush attempts a lock-free push, returning false when the ring is
// full so the caller can spill to another queue variant.
func (r *Ring) TryPush(item Item) bool {
	idx := atomic.AddUint32(&r.tail, 1) - 1
	slot := idx & r.mask
	c := &r.cells[slot]

	if ringslot.Load(&c.status) != ringslot.Empty {
		atomic.AddUint32(&r.tail, ^uint32(0))
		return false
	}
	if !ringslot.TryBeginWrite(&c.status) {
		atomic.AddUint32(&r.tail, ^uint32(0))
		return false
	}
	c.item = item
	c.packed = pack(slot, uint32(item.QueuePriority()))
	ringslot.FinishWrite(&c.status)
	return true
}

// TryPop attempts a lock-free pop.
func (r *Ring) TryPop() (Item, bool) {
	idx := atomic.LoadUint32(&r.head)
	slot := idx & r.mask
	c := &r.cells[slot]

	if ringslot.Load(&c.status) != ringslot.Ready {
		return nil, false
	}
	if !ringslot.TryBeginRead(&c.status) {
		return nil, false
	}
	item := c.item
	c.item = nil
	ringslot.FinishRead(&c.status)
	atomic.AddUint32(&r.head, 1)
	return item, true
}

// Size is an atomic load of (tail - head); it may lag by at most one
// concurrent operation.
func (r *Ring) Size() int {
	return int(atomic.LoadUint32(&r.tail) - atomic.LoadUint32(&r.head))
}

// RingQueue adapts Ring to the Queue interface, spilling to a FIFO
// when the ring is full rather than rejecting the push outright, so
// RingQueue is a drop-in Queue.
type RingQueue struct {
	ring  *Ring
	spill *FIFO
}

// NewRingQueue creates a RingQueue with the given ring capacity.
func NewRingQueue(capacity int) *RingQueue {
	return &RingQueue{ring: NewRing(capacity), spill: NewFIFO(16)}
}

func (q *RingQueue) Push(item Item) {
	if !q.ring.TryPush(item) {
		q.spill.Push(item)
	}
}

// Pop drains the ring first so entries that made it onto the
// lock-free path aren't starved by spilled ones, then falls back to
// the spill queue.
func (q *RingQueue) Pop() (Item, bool) {
	if item, ok := q.ring.TryPop(); ok {
		return item, true
	}
	return q.spill.Pop()
}

func (q *RingQueue) Size() int { return q.ring.Size() + q.spill.Size() }

func (q *RingQueue) Contains(id uint64) bool {
	for i := range q.ring.cells {
		if ringslot.Load(&q.ring.cells[i].status) == ringslot.Ready {
			if it := q.ring.cells[i].item; it != nil && it.QueueID() == id {
				return true
			}
		}
	}
	return q.spill.Contains(id)
}

func (q *RingQueue) Clear() {
	q.ring = NewRing(int(q.ring.capacity))
	q.spill.Clear()
}

var _ Queue = (*RingQueue)(nil)
