package monitor

import "sync"

// Ring is a fixed-capacity buffer that overwrites its oldest element.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	count int
}

// NewRing returns a ring holding up to size elements (minimum 1).
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{items: make([]T, size)}
}

// Push appends v, evicting the oldest element when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[(r.start+r.count)%len(r.items)] = v
	if r.count < len(r.items) {
		r.count++
		return
	}
	r.start = (r.start + 1) % len(r.items)
}

// Last returns up to n most recent elements, oldest first. n <= 0 returns
// everything.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	skip := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.start+skip+i)%len(r.items)]
	}
	return out
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}
