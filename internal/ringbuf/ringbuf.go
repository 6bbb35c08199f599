// Package ringbuf provides fixed-length circular series for per-tick samples.
//
// A Ring never moves its own write position. The owner of a group of rings
// (a tracked task, or the system-wide state) holds one Cursor and passes it
// to every Write, then advances it once per tick, so all series of that owner
// stay index-aligned.
package ringbuf

import "iter"

// Cursor is the next slot to write. Its value is always in [0, length).
type Cursor struct {
	pos    int
	length int
}

// NewCursor returns a cursor at position 0 for series of the given length.
// A non-positive length is treated as 1.
func NewCursor(length int) Cursor {
	if length < 1 {
		length = 1
	}
	return Cursor{length: length}
}

// Pos returns the current slot index.
func (c Cursor) Pos() int { return c.pos }

// Len returns the series length the cursor wraps at.
func (c Cursor) Len() int { return c.length }

// Advance moves to the next slot, wrapping at the series length.
func (c *Cursor) Advance() {
	c.pos++
	if c.pos >= c.length {
		c.pos = 0
	}
}

// Ring is a fixed-length circular series of samples.
type Ring[T any] struct {
	buf []T
}

// New allocates a ring of the given length. A non-positive length is treated as 1.
func New[T any](length int) *Ring[T] {
	if length < 1 {
		length = 1
	}
	return &Ring[T]{buf: make([]T, length)}
}

// Len returns the fixed number of slots.
func (r *Ring[T]) Len() int { return len(r.buf) }

// Write stores v at the cursor's slot.
func (r *Ring[T]) Write(c Cursor, v T) {
	r.buf[c.pos%len(r.buf)] = v
}

// At returns the most recently written value, the slot just behind the cursor.
func (r *Ring[T]) At(c Cursor) T {
	n := len(r.buf)
	return r.buf[(c.pos+n-1)%n]
}

// All yields every slot from oldest to newest: starting at the cursor (the
// oldest retained sample) and wrapping around. The sequence always has Len()
// items and may be ranged over any number of times.
func (r *Ring[T]) All(c Cursor) iter.Seq[T] {
	return func(yield func(T) bool) {
		n := len(r.buf)
		for i := 0; i < n; i++ {
			if !yield(r.buf[(c.pos+i)%n]) {
				return
			}
		}
	}
}

// Slice copies All into a new slice.
func (r *Ring[T]) Slice(c Cursor) []T {
	out := make([]T, 0, len(r.buf))
	for v := range r.All(c) {
		out = append(out, v)
	}
	return out
}

// Reset zeroes every slot.
func (r *Ring[T]) Reset() {
	clear(r.buf)
}
