// Package ringbuf provides a growable ring-buffer deque. It backs the
// monotonic queues of the sliding window, where every push and pop happens
// at one of the two ends and must stay amortized O(1) without reallocating
// on each tick.
//
// A Deque is not safe for concurrent use; it is owned by a single goroutine.
package ringbuf

// minCapacity is the smallest backing array allocated.
const minCapacity = 16

// Deque is a double-ended queue over a power-of-two ring.
type Deque[T any] struct {
	buf  []T
	mask int
	head int // index of the front element
	n    int
}

// New creates a deque. capacity is rounded up to the next power of two.
func New[T any](capacity int) *Deque[T] {
	c := nextPow2(capacity)
	if c < minCapacity {
		c = minCapacity
	}
	return &Deque[T]{
		buf:  make([]T, c),
		mask: c - 1,
	}
}

// PushBack appends v at the back, growing the ring if full.
func (d *Deque[T]) PushBack(v T) {
	if d.n == len(d.buf) {
		d.grow()
	}
	d.buf[(d.head+d.n)&d.mask] = v
	d.n++
}

// PopFront removes and returns the front element.
// Returns false if the deque is empty.
func (d *Deque[T]) PopFront() (T, bool) {
	var zero T
	if d.n == 0 {
		return zero, false
	}
	v := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) & d.mask
	d.n--
	return v, true
}

// PopBack removes and returns the back element.
// Returns false if the deque is empty.
func (d *Deque[T]) PopBack() (T, bool) {
	var zero T
	if d.n == 0 {
		return zero, false
	}
	idx := (d.head + d.n - 1) & d.mask
	v := d.buf[idx]
	d.buf[idx] = zero
	d.n--
	return v, true
}

// Front returns the front element without removing it.
func (d *Deque[T]) Front() (T, bool) {
	if d.n == 0 {
		var zero T
		return zero, false
	}
	return d.buf[d.head], true
}

// Back returns the back element without removing it.
func (d *Deque[T]) Back() (T, bool) {
	if d.n == 0 {
		var zero T
		return zero, false
	}
	return d.buf[(d.head+d.n-1)&d.mask], true
}

// At returns the i-th element counted from the front.
func (d *Deque[T]) At(i int) T {
	if i < 0 || i >= d.n {
		panic("ringbuf: index out of range")
	}
	return d.buf[(d.head+i)&d.mask]
}

// Len returns the current number of elements.
func (d *Deque[T]) Len() int {
	return d.n
}

// Cap returns the size of the backing ring.
func (d *Deque[T]) Cap() int {
	return len(d.buf)
}

// Clear empties the deque, keeping its capacity.
func (d *Deque[T]) Clear() {
	var zero T
	for i := 0; i < d.n; i++ {
		d.buf[(d.head+i)&d.mask] = zero
	}
	d.head = 0
	d.n = 0
}

// grow doubles the ring and unwraps the contents to start at index 0.
func (d *Deque[T]) grow() {
	next := make([]T, len(d.buf)*2)
	for i := 0; i < d.n; i++ {
		next[i] = d.buf[(d.head+i)&d.mask]
	}
	d.buf = next
	d.mask = len(next) - 1
	d.head = 0
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
