package hvg

import (
	"sync"
	"time"
)

// DefaultQueueDepth bounds the command queue when no depth is configured.
const DefaultQueueDepth = 16

// DefaultMaxRetries caps per-command retry attempts.
const DefaultMaxRetries = 3

// CommandQueue serializes concurrent command submission from API callers into
// a single-consumer execution order. Abort-class commands are scheduled ahead
// of all normal-class commands; within a class the earlier timestamp wins.
//
// A full queue rejects Push. That is back-pressure, not an error: the caller
// decides whether to retry or surface the rejection.
type CommandQueue struct {
	mu     sync.Mutex
	items  []*Command
	depth  int
	retry  int
	pushes uint64
	drops  uint64
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// NewCommandQueue builds a queue with the given capacity and retry budget.
// Non-positive arguments fall back to the defaults.
func NewCommandQueue(depth, maxRetries int) *CommandQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &CommandQueue{
		depth:  depth,
		retry:  maxRetries,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push inserts the command in priority order. It returns false when the queue
// is full or closed, in which case the command is not enqueued.
func (q *CommandQueue) Push(cmd *Command) bool {
	if q == nil || cmd == nil {
		return false
	}
	q.mu.Lock()
	if q.closed || len(q.items) >= q.depth {
		q.drops++
		q.mu.Unlock()
		return false
	}
	idx := len(q.items)
	prio := cmd.Type.Priority()
	for i, existing := range q.items {
		ep := existing.Type.Priority()
		if prio > ep || (prio == ep && cmd.Timestamp.Before(existing.Timestamp)) {
			idx = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = cmd
	q.pushes++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes the highest-priority command without blocking.
func (q *CommandQueue) TryPop() (*Command, bool) {
	if q == nil {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *CommandQueue) popLocked() (*Command, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	cmd := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return cmd, true
}

// WaitPop blocks until a command is available, the timeout elapses or the
// queue is closed. A push wakes the waiter promptly, so a newly arrived
// abort command is scheduled without waiting out the timeout.
func (q *CommandQueue) WaitPop(timeout time.Duration) (*Command, bool) {
	if q == nil {
		return nil, false
	}
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if cmd, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return cmd, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-q.done:
			timer.Stop()
		case <-timer.C:
			return nil, false
		}
	}
}

// Retry re-enqueues a previously popped command, preserving its priority
// class and timestamp. It returns false and drops the command once the retry
// budget is exhausted, or when the queue rejects the push.
func (q *CommandQueue) Retry(cmd *Command) bool {
	if q == nil || cmd == nil {
		return false
	}
	q.mu.Lock()
	budget := q.retry
	q.mu.Unlock()
	if cmd.Retries >= budget {
		return false
	}
	cmd.Retries++
	return q.Push(cmd)
}

// Size reports the number of queued commands.
func (q *CommandQueue) Size() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue holds no commands.
func (q *CommandQueue) Empty() bool {
	return q.Size() == 0
}

// Full reports whether the queue is at capacity.
func (q *CommandQueue) Full() bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.depth
}

// Clear drops all queued commands.
func (q *CommandQueue) Clear() {
	if q == nil {
		return
	}
	q.mu.Lock()
	for i := range q.items {
		q.items[i] = nil
	}
	q.items = q.items[:0]
	q.mu.Unlock()
}

// Close rejects further pushes and wakes any waiter. It is idempotent.
func (q *CommandQueue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// Pushes reports the number of accepted pushes since creation.
func (q *CommandQueue) Pushes() uint64 {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushes
}

// Dropped reports the number of rejected pushes since creation.
func (q *CommandQueue) Dropped() uint64 {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}
