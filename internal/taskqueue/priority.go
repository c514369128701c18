package taskqueue

import "container/heap"

// Priority is a binary max-heap keyed by (priority, -task_id): higher
// priority wins; same-priority ties break by submission order (lowest
// id first).
type Priority struct {
	h priorityHeap
}

// NewPriority creates an empty priority queue.
func NewPriority() *Priority { return &Priority{} }

func (q *Priority) Push(item Item) { heap.Push(&q.h, item) }

func (q *Priority) Pop() (Item, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(Item), true
}

func (q *Priority) Size() int { return q.h.Len() }

func (q *Priority) Contains(id uint64) bool {
	for _, it := range q.h {
		if it.QueueID() == id {
			return true
		}
	}
	return false
}

func (q *Priority) Clear() { q.h = nil }

var _ Queue = (*Priority)(nil)

type priorityHeap []Item

func (h priorityHeap) Len() int { return len(h) }

// Less implements the max-heap ordering: higher priority sorts first;
// on a tie, the lower task id (earlier submission) sorts first.
func (h priorityHeap) Less(i, j int) bool {
	if h[i].QueuePriority() != h[j].QueuePriority() {
		return h[i].QueuePriority() > h[j].QueuePriority()
	}
	return h[i].QueueID() < h[j].QueueID()
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
