package trigger

import "sync"

// queue is a thread-safe FIFO of posted triggers.
//
// Post may be called from any goroutine (HTTP handlers, the connectivity
// monitor, the wake consumer) while the Surface's Run loop drains it.
//
// The signal channel lets the Run loop wait on the queue and on context
// cancellation in the same select.
type queue struct {
	mu       sync.Mutex
	triggers []Trigger
	closed   bool
	signal   chan struct{} // buffered, size 1
}

func newQueue() *queue {
	return &queue{
		triggers: make([]Trigger, 0, 8),
		signal:   make(chan struct{}, 1),
	}
}

// push appends t. Returns false if the queue is closed.
func (q *queue) push(t Trigger) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.triggers = append(q.triggers, t)

	// Non-blocking: the size-1 buffer coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryPop removes and returns the oldest trigger without blocking.
func (q *queue) tryPop() (Trigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.triggers) == 0 {
		return Trigger{}, false
	}
	t := q.triggers[0]
	if len(q.triggers) == 1 {
		q.triggers = q.triggers[:0]
	} else {
		q.triggers = q.triggers[1:]
	}
	return t, true
}

// wait returns a channel that signals when triggers may be available.
// It is closed by close.
func (q *queue) wait() <-chan struct{} {
	return q.signal
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.triggers)
}

// close rejects further pushes and wakes any waiter.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
