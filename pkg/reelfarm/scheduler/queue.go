package scheduler

import "container/heap"

// taskHeap orders by priority (lower first), then creation time, then
// submission sequence so equal timestamps stay FIFO.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.rec.Priority != b.rec.Priority {
		return a.rec.Priority < b.rec.Priority
	}
	if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
		return a.rec.CreatedAt.Before(b.rec.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// taskQueue is the pending queue. Callers hold the dispatcher lock.
type taskQueue struct {
	h taskHeap
}

func (q *taskQueue) push(t *task) {
	heap.Push(&q.h, t)
}

func (q *taskQueue) peek() *task {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

func (q *taskQueue) pop() *task {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*task)
}

func (q *taskQueue) remove(t *task) bool {
	if t.index < 0 || t.index >= len(q.h) || q.h[t.index] != t {
		return false
	}
	heap.Remove(&q.h, t.index)
	return true
}

func (q *taskQueue) len() int {
	return len(q.h)
}
