// Package fifoqueue implements a bounded, thread-safe FIFO queue used as
// the handoff point between transport/timer callbacks and the
// single-threaded protocol engine.
package fifoqueue

import (
	"fmt"
	"sync"

	"github.com/ef-ds/deque"
)

const DefaultCapacity = 10_000

// LengthObserver is called with the queue's new length after every push
// or pop; useful for exporting queue-depth metrics.
type LengthObserver func(int)

// ConfigOption configures a FifoQueue at construction time.
type ConfigOption func(*config)

type config struct {
	capacity       int
	lengthObserver LengthObserver
}

// WithCapacity bounds the queue; Push returns false once full.
func WithCapacity(capacity int) ConfigOption {
	return func(c *config) { c.capacity = capacity }
}

// WithLengthObserver registers a callback invoked with the new queue
// length after every Push/Pop.
func WithLengthObserver(observer LengthObserver) ConfigOption {
	return func(c *config) { c.lengthObserver = observer }
}

// FifoQueue is a bounded FIFO queue, safe for concurrent producers and a
// single consumer.
type FifoQueue struct {
	mu             sync.Mutex
	queue          deque.Deque
	capacity       int
	lengthObserver LengthObserver
}

// NewFifoQueue returns an empty queue, configured by opts.
func NewFifoQueue(opts ...ConfigOption) (*FifoQueue, error) {
	cfg := config{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", cfg.capacity)
	}
	return &FifoQueue{
		capacity:       cfg.capacity,
		lengthObserver: cfg.lengthObserver,
	}, nil
}

// Push appends value to the back of the queue. It returns false without
// modifying the queue if the queue is already at capacity.
func (f *FifoQueue) Push(value any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.queue.Len() >= f.capacity {
		return false
	}
	f.queue.PushBack(value)
	f.observe()
	return true
}

// Pop removes and returns the front of the queue. ok is false if the
// queue is empty.
func (f *FifoQueue) Pop() (value any, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	value, ok = f.queue.PopFront()
	if ok {
		f.observe()
	}
	return value, ok
}

// Front returns the front of the queue without removing it.
func (f *FifoQueue) Front() (value any, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Front()
}

// Len returns the number of items currently queued.
func (f *FifoQueue) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Len()
}

func (f *FifoQueue) observe() {
	if f.lengthObserver != nil {
		f.lengthObserver(f.queue.Len())
	}
}
