// Package ringbuffer provides a fixed-capacity, lock-free circular buffer for
// passing frame payloads between producers and consumers that must never
// block each other, e.g. across a native boundary at high frame rate. A full
// buffer rejects the push and an empty buffer rejects the pop; callers retry
// or drop.
package ringbuffer

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// A RingBuffer is a multi-producer, multi-consumer circular buffer. Capacity
// is rounded up to the next power of two. Each slot carries its own head and
// tail sequence counters: producers claim a slot by compare-and-swapping the
// global tail, write the payload, then publish by storing the slot's head
// sequence; consumers claim via the global head and free the slot by
// advancing its tail sequence a full revolution.
type RingBuffer struct {
	capacity uint64
	mask     uint64

	head atomic.Uint64
	tail atomic.Uint64

	slots []slot

	pushDropped atomic.Int64
	popEmpty    atomic.Int64
}

type slot struct {
	// tailSeq holds the revolution at which the slot is free for a producer;
	// headSeq holds claim+1 once the payload is published.
	tailSeq atomic.Uint64
	headSeq atomic.Uint64
	payload []byte
}

// New returns a buffer holding at least the requested number of payloads.
func New(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("ring buffer capacity must be positive, got %d", capacity)
	}
	c := nextPowerOfTwo(uint64(capacity))
	rb := &RingBuffer{
		capacity: c,
		mask:     c - 1,
		slots:    make([]slot, c),
	}
	for i := range rb.slots {
		rb.slots[i].tailSeq.Store(uint64(i))
	}
	return rb, nil
}

// Capacity returns the rounded-up slot count.
func (rb *RingBuffer) Capacity() int {
	return int(rb.capacity)
}

// Push publishes payload into the next free slot. Returns false without
// blocking when the buffer is full; the caller decides whether to retry or
// drop the frame.
func (rb *RingBuffer) Push(payload []byte) bool {
	for {
		t := rb.tail.Load()
		s := &rb.slots[t&rb.mask]
		if s.tailSeq.Load() != t {
			// Slot not yet freed by the consumer a revolution behind us.
			rb.pushDropped.Add(1)
			return false
		}
		if rb.tail.CompareAndSwap(t, t+1) {
			s.payload = payload
			// Publish: consumers spin on headSeq, so the payload write above
			// is ordered before this store.
			s.headSeq.Store(t + 1)
			return true
		}
		// Another producer claimed t first; reload and try the next slot.
	}
}

// Pop removes the oldest published payload. Returns nil, false without
// blocking when nothing is published; the only wait is the retry loop below,
// bounded by producer progress.
func (rb *RingBuffer) Pop() ([]byte, bool) {
	for {
		h := rb.head.Load()
		s := &rb.slots[h&rb.mask]
		if s.headSeq.Load() != h+1 {
			// Not yet published.
			rb.popEmpty.Add(1)
			return nil, false
		}
		if rb.head.CompareAndSwap(h, h+1) {
			payload := s.payload
			s.payload = nil
			// Free the slot for the producer one revolution ahead.
			s.tailSeq.Store(h + rb.capacity)
			return payload, true
		}
		// Another consumer claimed h first; reload.
	}
}

// Len reports a best-effort count of published, unconsumed payloads.
func (rb *RingBuffer) Len() int {
	t := rb.tail.Load()
	h := rb.head.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

// Dropped returns how many pushes were rejected on a full buffer. Rejections
// are expected backpressure, not errors.
func (rb *RingBuffer) Dropped() int64 {
	return rb.pushDropped.Load()
}

func nextPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}
