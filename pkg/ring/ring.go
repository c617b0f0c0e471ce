package ring

import "fmt"

// RingBuffer is a non-overwriting circular FIFO with a fixed number of slots.
//
// Storage is allocated once by New and never resized. A full buffer rejects
// new elements instead of evicting old ones. Besides the usual element-wise
// operations the buffer reports the contiguous runs of occupied and free
// slots, which bound a single DMA transfer into or out of the storage.
//
// RingBuffer is not safe for concurrent use; callers serialize access
// with the lock matching their execution context.
type RingBuffer[T any] struct {
	buf  []T
	head int // next slot to write
	tail int // oldest occupied slot
	full bool
}

// State is a point-in-time copy of the buffer indices.
type State struct {
	Head     int
	Tail     int
	Full     bool
	Occupied int
}

// String implements fmt.Stringer.
func (s State) String() string {
	return fmt.Sprintf("head=%d tail=%d full=%v occupied=%d", s.Head, s.Tail, s.Full, s.Occupied)
}

// New creates a RingBuffer with n slots.
func New[T any](n int) *RingBuffer[T] {
	if n <= 0 {
		panic("ring: capacity must be positive")
	}
	return &RingBuffer[T]{buf: make([]T, n)}
}

// Cap returns the number of slots.
func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}

// IsFull reports whether every slot is occupied.
func (r *RingBuffer[T]) IsFull() bool {
	return r.full
}

// IsEmpty reports whether no slot is occupied.
func (r *RingBuffer[T]) IsEmpty() bool {
	return !r.full && r.head == r.tail
}

// Push stores v if the buffer is not full and reports whether it was stored.
func (r *RingBuffer[T]) Push(v T) bool {
	if r.full {
		return false
	}
	r.buf[r.head] = v
	r.advance(1)
	return true
}

// PushN stores as many elements of p as fit and returns the number stored.
func (r *RingBuffer[T]) PushN(p []T) int {
	written := 0
	for written < len(p) && !r.full {
		n := copy(r.buf[r.head:r.head+r.FreeContinuous()], p[written:])
		r.advance(n)
		written += n
	}
	return written
}

// Pop removes and returns the oldest element.
// It panics if the buffer is empty.
func (r *RingBuffer[T]) Pop() T {
	if r.IsEmpty() {
		panic("ring: pop from empty buffer")
	}
	v := r.buf[r.tail]
	r.tail = (r.tail + 1) % len(r.buf)
	r.full = false
	return v
}

// PopN discards the n oldest elements.
// It panics if the buffer is empty or holds fewer than n elements.
func (r *RingBuffer[T]) PopN(n int) {
	if r.IsEmpty() {
		panic("ring: pop from empty buffer")
	}
	if n < 0 || n > r.Occupied() {
		panic(fmt.Sprintf("ring: pop %d of %d occupied", n, r.Occupied()))
	}
	r.tail = (r.tail + n) % len(r.buf)
	if n > 0 {
		r.full = false
	}
}

// Peek returns the oldest element without removing it.
// It panics if the buffer is empty.
func (r *RingBuffer[T]) Peek() T {
	if r.IsEmpty() {
		panic("ring: peek into empty buffer")
	}
	return r.buf[r.tail]
}

// Occupied returns the number of stored elements.
func (r *RingBuffer[T]) Occupied() int {
	switch {
	case r.full:
		return len(r.buf)
	case r.head >= r.tail:
		return r.head - r.tail
	default:
		return len(r.buf) + r.head - r.tail
	}
}

// Free returns the number of unoccupied slots.
func (r *RingBuffer[T]) Free() int {
	return len(r.buf) - r.Occupied()
}

// OccupiedContinuous returns the length of the occupied run starting at
// tail that does not wrap past the end of storage.
func (r *RingBuffer[T]) OccupiedContinuous() int {
	switch {
	case r.IsEmpty():
		return 0
	case r.head > r.tail:
		return r.head - r.tail
	default:
		return len(r.buf) - r.tail
	}
}

// FreeContinuous returns the length of the free run starting at head that
// does not wrap past the end of storage.
func (r *RingBuffer[T]) FreeContinuous() int {
	switch {
	case r.full:
		return 0
	case r.head < r.tail:
		return r.tail - r.head
	default:
		return len(r.buf) - r.head
	}
}

// OccupiedRun returns the contiguous occupied run at tail. The slice aliases
// the storage and stays valid until those elements are popped.
func (r *RingBuffer[T]) OccupiedRun() []T {
	return r.buf[r.tail : r.tail+r.OccupiedContinuous()]
}

// FreeRun returns the contiguous free run at head. Producers writing into it
// out of band publish the elements with AdvanceHead.
func (r *RingBuffer[T]) FreeRun() []T {
	return r.buf[r.head : r.head+r.FreeContinuous()]
}

// Reserve claims n contiguous free slots at head and returns them for the
// caller to fill in place. Head advances immediately.
//
// Reserve fails when the contiguous free run is shorter than n, even if the
// total free space, counted across the end of storage, would be enough.
func (r *RingBuffer[T]) Reserve(n int) ([]T, bool) {
	if n <= 0 || r.FreeContinuous() < n {
		return nil, false
	}
	region := r.buf[r.head : r.head+n : r.head+n]
	r.advance(n)
	return region, true
}

// AdvanceHead publishes n elements already written into storage at head.
// Writing into a full buffer means producer and consumer lost track of each
// other, so it panics.
func (r *RingBuffer[T]) AdvanceHead(n int) {
	if n < 0 {
		panic("ring: negative advance")
	}
	if n > r.Free() {
		panic(fmt.Sprintf("ring: advance head by %d with %d free, producer overran consumer", n, r.Free()))
	}
	r.advance(n)
}

// Reset empties the buffer without touching storage.
func (r *RingBuffer[T]) Reset() {
	r.head, r.tail, r.full = 0, 0, false
}

// Snapshot returns the current indices.
func (r *RingBuffer[T]) Snapshot() State {
	return State{Head: r.head, Tail: r.tail, Full: r.full, Occupied: r.Occupied()}
}

// AppendTo appends the stored elements, oldest first, to dst without
// removing them.
func (r *RingBuffer[T]) AppendTo(dst []T) []T {
	if r.IsEmpty() {
		return dst
	}
	if r.head > r.tail {
		return append(dst, r.buf[r.tail:r.head]...)
	}
	dst = append(dst, r.buf[r.tail:]...)
	return append(dst, r.buf[:r.head]...)
}

func (r *RingBuffer[T]) advance(n int) {
	if n == 0 {
		return
	}
	r.head = (r.head + n) % len(r.buf)
	r.full = r.head == r.tail
}
