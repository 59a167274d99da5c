package scheduler

import "container/heap"

// eventHeap is a container/heap implementation ordering by
// (Priority, seq) — lower priority value first, FIFO within a tier.
type eventHeap []Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(Event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// queue is a priority queue of Events with FIFO tie-breaking. Not
// goroutine-safe on its own; the scheduler guards it with a mutex.
type queue struct {
	h       eventHeap
	nextSeq uint64
}

func newQueue() *queue {
	q := &queue{}
	heap.Init(&q.h)
	return q
}

func (q *queue) push(e Event) {
	e.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.h, e)
}

// pop returns the highest-priority event and true, or the zero Event
// and false if the queue is empty.
func (q *queue) pop() (Event, bool) {
	if q.h.Len() == 0 {
		return Event{}, false
	}
	return heap.Pop(&q.h).(Event), true
}

func (q *queue) empty() bool {
	return q.h.Len() == 0
}
