// Package buffer provides the append-only, per-session signal buffers that
// sit between the real-time router and the analysis cycles.
//
// A [Buffer] supports time-range queries and an atomic [Buffer.Drain] that
// copies and clears the contents as one step, so appends racing a drain are
// never lost and never delivered twice.
//
// All methods are safe for concurrent use.
package buffer

import (
	"sync"
	"time"
)

// Timestamped is implemented by every item a [Buffer] can hold.
type Timestamped interface {
	At() time.Time
}

// Buffer is a growable, drainable collection of timestamped items.
type Buffer[T Timestamped] struct {
	mu    sync.Mutex
	items []T
	total int
}

// New returns an empty buffer.
func New[T Timestamped]() *Buffer[T] {
	return &Buffer[T]{}
}

// Append adds items to the end of the buffer.
func (b *Buffer[T]) Append(items ...T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, items...)
	b.total += len(items)
}

// Drain returns everything currently buffered and empties the buffer.
// The returned slice is owned by the caller.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// Len returns the number of items currently buffered.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Total returns the number of items ever appended, including drained ones.
func (b *Buffer[T]) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Range returns a copy of the buffered items whose timestamp lies in
// [from, to). A zero from or to leaves that side unbounded.
func (b *Buffer[T]) Range(from, to time.Time) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, 0, len(b.items))
	for _, it := range b.items {
		ts := it.At()
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && !ts.Before(to) {
			continue
		}
		out = append(out, it)
	}
	return out
}
