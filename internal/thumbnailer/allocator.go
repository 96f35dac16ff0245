package thumbnailer

import "sync"

// Allocator hands out request ids. Ids are strictly increasing and never 0; a wrapped counter
// starts again from 1.
type Allocator struct {
	mu   sync.Mutex
	last RequestID
}

// NewAllocator returns an allocator whose next id is last+1.
func NewAllocator(last RequestID) *Allocator {
	return &Allocator{last: last}
}

func (a *Allocator) Next() RequestID {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := max(a.last+1, 1)
	a.last = id
	return id
}
