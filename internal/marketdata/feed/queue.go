package feed

import (
	"sync/atomic"

	"pattern-trader/internal/model"
)

// Queue is a bounded tick buffer with drop-oldest overflow. Push never blocks.
type Queue struct {
	ch      chan model.Tick
	dropped atomic.Int64

	// OnDrop is called once per discarded tick (optional).
	OnDrop func()
}

// NewQueue creates a queue holding at most size ticks.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan model.Tick, size)}
}

// Push enqueues t. When the queue is full the oldest tick is discarded.
func (q *Queue) Push(t model.Tick) {
	for {
		select {
		case q.ch <- t:
			return
		default:
		}
		// Full: drop the oldest and retry. The consumer may race us to it.
		select {
		case <-q.ch:
			q.dropped.Add(1)
			if q.OnDrop != nil {
				q.OnDrop()
			}
		default:
		}
	}
}

// C returns the consumer side of the queue.
func (q *Queue) C() <-chan model.Tick { return q.ch }

// Len returns the number of buffered ticks.
func (q *Queue) Len() int { return len(q.ch) }

// Dropped returns the number of ticks discarded on overflow.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
