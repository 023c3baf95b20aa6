package core

import (
	"errors"
	"sync"
)

// DefaultQueueCapacity bounds how many payloads may wait for a channel to
// become ready again.
const DefaultQueueCapacity = 10

// ErrQueueFull is returned when an enqueue is rejected at the tail.
// Existing entries are never overwritten.
var ErrQueueFull = errors.New("chunk queue full")

// ChunkQueue is a bounded FIFO of payloads awaiting a ready outbound
// channel. New items are rejected while the queue is full; queued items are
// flushed in original order on readiness, and items that fail to send are
// re-queued at the front in original order.
type ChunkQueue struct {
	mu    sync.Mutex
	items []Frame
	cap   int
}

func NewChunkQueue(capacity int) *ChunkQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &ChunkQueue{cap: capacity}
}

func (q *ChunkQueue) Enqueue(f Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		return ErrQueueFull
	}
	q.items = append(q.items, f)
	return nil
}

func (q *ChunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *ChunkQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Flush sends every queued item in order through send. On the first send
// failure the failed item and everything behind it are kept at the front,
// still in original order, and the error is returned alongside the number
// of items that did go out.
func (q *ChunkQueue) Flush(send func(Frame) error) (int, error) {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for i, f := range pending {
		if err := send(f); err != nil {
			q.mu.Lock()
			q.items = append(pending[i:], q.items...)
			q.mu.Unlock()
			return i, err
		}
	}
	return len(pending), nil
}
