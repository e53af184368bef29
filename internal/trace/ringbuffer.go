// Package trace implements the TRACE event collector: per-session hash
// chaining over governance events, in both an immediate mode (hash
// computed inline) and a deferred mode (raw events queued, hashed at
// flush time).
package trace

import "sync"

// RawEvent is the deferred-mode sibling of hashchain.Event: a session id,
// trace id, event type, payload, and capture timestamp, with no hash, no
// sequence, and no previous hash. It is converted into a chained event
// during Flush.
type RawEvent struct {
	SessionID    string
	TraceID      string
	SpanID       string
	ParentSpanID string
	EventType    string
	Payload      []byte
	CapturedAt   int64 // unix nanoseconds
}

// RingBuffer is a bounded queue of RawEvent. Multiple emitters may push
// concurrently; a single drainer is expected to call DrainAll. It never
// panics or blocks: Push reports false when full instead of growing or
// waiting, and DrainAll always succeeds immediately.
//
// The retrieval pack carries no lock-free MPSC queue for any language
// runtime, so this is built on a mutex-guarded ring slice rather than a
// third-party lock-free primitive.
type RingBuffer struct {
	mu       sync.Mutex
	items    []RawEvent
	capacity int
}

// NewRingBuffer creates a ring buffer with the given bounded capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &RingBuffer{
		items:    make([]RawEvent, 0, capacity),
		capacity: capacity,
	}
}

// Push appends raw to the buffer, returning false if the buffer is full.
// Callers should treat false as backpressure and force a flush.
func (r *RingBuffer) Push(raw RawEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= r.capacity {
		return false
	}
	r.items = append(r.items, raw)
	return true
}

// DrainAll atomically removes and returns every buffered event in FIFO
// order.
func (r *RingBuffer) DrainAll() []RawEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return nil
	}
	drained := r.items
	r.items = make([]RawEvent, 0, r.capacity)
	return drained
}

// Len reports the number of events currently buffered.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// IsEmpty reports whether the buffer currently holds no events.
func (r *RingBuffer) IsEmpty() bool {
	return r.Len() == 0
}

// Capacity returns the buffer's configured bound.
func (r *RingBuffer) Capacity() int {
	return r.capacity
}
