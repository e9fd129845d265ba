// ABOUTME: Unbounded FIFO of user turns feeding a running conversational process.
// ABOUTME: Push never blocks; a single consumer pulls with Next until the queue drains after Close.

package agent

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueClosed is returned by Push once Close has been called.
var ErrQueueClosed = errors.New("message queue closed")

// ErrConcurrentConsumer is returned by Next when another pull is already in progress.
var ErrConcurrentConsumer = errors.New("message queue already has an active consumer")

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one unit of conversational input.
type Turn struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// TurnSource is the input side handed to a Process. Next blocks until a turn
// is available and returns io.EOF once the source is exhausted.
type TurnSource interface {
	Next(ctx context.Context) (Turn, error)
}

// Queue is a multi-producer, single-consumer turn buffer.
//
// Closing the queue stops new pushes but does not discard turns already
// buffered: the consumer receives every one of them before Next reports io.EOF.
type Queue struct {
	mu     sync.Mutex
	items  []Turn
	closed bool

	// ready holds at most one wakeup token. Producers and Close deposit a
	// token after mutating state under mu; the consumer re-checks state after
	// draining it, so a token can be spurious but never lost.
	ready     chan struct{}
	consuming atomic.Bool
}

// NewQueue creates an empty, open queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends a turn. It never blocks.
func (q *Queue) Push(t Turn) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Next returns the oldest buffered turn, waiting for a push when the buffer
// is empty. It returns io.EOF once the queue is closed and drained, and
// ctx.Err() if the context ends first.
func (q *Queue) Next(ctx context.Context) (Turn, error) {
	if !q.consuming.CompareAndSwap(false, true) {
		return Turn{}, ErrConcurrentConsumer
	}
	defer q.consuming.Store(false)

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = Turn{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Turn{}, io.EOF
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Turn{}, ctx.Err()
		}
	}
}

// All iterates over turns until the queue is closed and drained or ctx ends.
func (q *Queue) All(ctx context.Context) iter.Seq[Turn] {
	return func(yield func(Turn) bool) {
		for {
			t, err := q.Next(ctx)
			if err != nil {
				return
			}
			if !yield(t) {
				return
			}
		}
	}
}

// Close marks the queue as finished. It is safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wake()
}

// Len returns the number of buffered turns.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
