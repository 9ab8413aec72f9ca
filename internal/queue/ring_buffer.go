// Package queue provides the bounded ingestion buffer between event sources and the pipeline.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"aegis-core/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// Policy selects what a producer experiences when the queue is full.
type Policy string

const (
	// PolicyBlock makes producers wait for space (backpressure).
	PolicyBlock Policy = "block"
	// PolicyDrop rejects the event immediately with ErrQueueFull.
	PolicyDrop Policy = "drop"
)

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyBlock, PolicyDrop:
		return Policy(s), nil
	case "":
		return PolicyBlock, nil
	}
	return "", fmt.Errorf("unknown queue policy %q (want block or drop)", s)
}

// RingBuffer is a thread-safe circular buffer for events.
type RingBuffer struct {
	buffer []*schema.Event
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex

	// changed is closed and replaced whenever count or closed changes.
	changed chan struct{}

	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
	totalBlocked uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}

	return &RingBuffer{
		buffer:  make([]*schema.Event, size),
		size:    size,
		changed: make(chan struct{}),
	}
}

// broadcast wakes every waiter. Caller holds rb.mu.
func (rb *RingBuffer) broadcast() {
	close(rb.changed)
	rb.changed = make(chan struct{})
}

func (rb *RingBuffer) enqueue(event *schema.Event) {
	rb.buffer[rb.tail] = event
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)
	rb.broadcast()
}

func (rb *RingBuffer) dequeue() *schema.Event {
	event := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)
	return event
}

// Push adds an event to the queue.
// Returns ErrQueueFull if the queue is at capacity.
func (rb *RingBuffer) Push(event *schema.Event) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalDropped, 1)
		return ErrQueueFull
	}

	rb.enqueue(event)
	return nil
}

// PushContext adds an event, waiting for space while the queue is full.
// Returns ctx.Err() if the context ends first, or ErrQueueClosed.
func (rb *RingBuffer) PushContext(ctx context.Context, event *schema.Event) error {
	blocked := false
	for {
		rb.mu.Lock()
		if rb.closed {
			rb.mu.Unlock()
			return ErrQueueClosed
		}
		if rb.count < rb.size {
			rb.enqueue(event)
			rb.mu.Unlock()
			return nil
		}
		if !blocked {
			blocked = true
			atomic.AddUint64(&rb.totalBlocked, 1)
		}
		wait := rb.changed
		rb.mu.Unlock()

		select {
		case <-ctx.Done():
			atomic.AddUint64(&rb.totalDropped, 1)
			return ctx.Err()
		case <-wait:
		}
	}
}

// Offer pushes according to the policy.
func (rb *RingBuffer) Offer(ctx context.Context, event *schema.Event, policy Policy) error {
	if policy == PolicyDrop {
		return rb.Push(event)
	}
	return rb.PushContext(ctx, event)
}

// Pop removes and returns an event from the queue.
// Returns ErrQueueEmpty if the queue is empty.
func (rb *RingBuffer) Pop() (*schema.Event, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}

	event := rb.dequeue()
	rb.broadcast()
	return event, nil
}

// PopBatch removes up to max events. It waits at most wait for the first event
// and then returns whatever is buffered without further waiting. An empty
// result comes with ErrQueueEmpty, or ErrQueueClosed once the queue is closed
// and drained.
func (rb *RingBuffer) PopBatch(max int, wait time.Duration) ([]*schema.Event, error) {
	if max <= 0 {
		max = 1
	}

	var timer *time.Timer
	for {
		rb.mu.Lock()
		if rb.count > 0 {
			n := rb.count
			if n > max {
				n = max
			}
			batch := make([]*schema.Event, n)
			for i := range batch {
				batch[i] = rb.dequeue()
			}
			rb.broadcast()
			rb.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return batch, nil
		}
		if rb.closed {
			rb.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if wait <= 0 {
			rb.mu.Unlock()
			return nil, ErrQueueEmpty
		}
		changed := rb.changed
		rb.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(wait)
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil, ErrQueueEmpty
		}
	}
}

// Len returns the current number of events in the queue.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// IsFull returns true if the queue is at capacity.
func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == rb.size
}

// Closed reports whether Close has been called.
func (rb *RingBuffer) Closed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.closed
}

// Close stops accepting events and wakes up waiters. Buffered events can still be popped.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Dropped:  atomic.LoadUint64(&rb.totalDropped),
		Blocked:  atomic.LoadUint64(&rb.totalBlocked),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Blocked  uint64 `json:"blocked"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
