// File: internal/concurrency/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RingBuffer is a bounded circular buffer with a CAS-claimed tail, safe
// for concurrent producers and consumers guarded by distinct slots. Used
// as the scheduler's callback-fiber free list, where any worker may park
// or claim a reusable fiber.

package concurrency

import (
	"sync/atomic"

	"github.com/momentics/hioload-fiber/api"
)

// Ensure compile-time interface compliance.
var _ api.Ring[any] = (*RingBuffer[any])(nil)

// RingBuffer is a bounded multi-producer multi-consumer ring. Slots carry
// a sequence number so producers and consumers never touch the same slot
// concurrently.
type RingBuffer[T any] struct {
	slots []ringSlot[T]
	mask  uint64
	head  atomic.Uint64
	_     [56]byte // padding keeps head and tail on separate cache lines
	tail  atomic.Uint64
	_     [56]byte
}

type ringSlot[T any] struct {
	seq atomic.Uint64
	val T
}

// NewRingBuffer allocates a ring buffer; size is rounded up to a power of
// two.
func NewRingBuffer[T any](size uint64) *RingBuffer[T] {
	n := uint64(1)
	for n < size {
		n <<= 1
	}
	r := &RingBuffer[T]{
		slots: make([]ringSlot[T], n),
		mask:  n - 1,
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Enqueue adds item; returns false if full.
func (r *RingBuffer[T]) Enqueue(item T) bool {
	for {
		tail := r.tail.Load()
		slot := &r.slots[tail&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == tail:
			if r.tail.CompareAndSwap(tail, tail+1) {
				slot.val = item
				slot.seq.Store(tail + 1)
				return true
			}
		case seq < tail:
			return false // full
		}
	}
}

// Dequeue removes and returns the oldest item; ok false if empty.
func (r *RingBuffer[T]) Dequeue() (T, bool) {
	var zero T
	for {
		head := r.head.Load()
		slot := &r.slots[head&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == head+1:
			if r.head.CompareAndSwap(head, head+1) {
				item := slot.val
				slot.val = zero
				slot.seq.Store(head + uint64(len(r.slots)))
				return item, true
			}
		case seq <= head:
			return zero, false // empty
		}
	}
}

// Len returns number of items currently in the buffer.
func (r *RingBuffer[T]) Len() int {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Cap returns fixed buffer capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.slots)
}
