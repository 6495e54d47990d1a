package supervisor

import (
	"sync"
)

// publishQueue is the FIFO buffer between callers and the publish worker.
//
// It is unbounded up to a soft cap. When the cap is hit the oldest QoS 0
// message is discarded to make room; QoS 1+ messages are never discarded by
// the cap (the queue grows instead), since they carry delivery guarantees
// the device protocol relies on.
type publishQueue struct {
	mu     sync.Mutex
	items  []Message
	limit  int
	closed bool

	// signal is a 1-buffered wakeup for the drain worker. Coalescing
	// multiple enqueues into one pending signal is fine: the worker drains
	// until the queue is empty each time it wakes.
	signal chan struct{}
}

func newPublishQueue(limit int) *publishQueue {
	return &publishQueue{
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// enqueue appends a message, applying the soft cap.
//
// Returns:
//   - dropped: the QoS 0 message discarded to enforce the cap, if any
//   - err: ErrQueueClosed after close
func (q *publishQueue) enqueue(msg Message) (dropped *Message, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	if q.limit > 0 && len(q.items) >= q.limit {
		for i, item := range q.items {
			if item.QoS == 0 {
				removed := item
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped = &removed
				break
			}
		}
	}

	q.items = append(q.items, msg)
	q.wake()
	return dropped, nil
}

// dequeue removes and returns the oldest message.
func (q *publishQueue) dequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// requeueFront puts a message back at the head after a failed publish, so
// FIFO order is preserved across retries.
func (q *publishQueue) requeueFront(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.items = append([]Message{msg}, q.items...)
}

// pending returns the current queue depth.
func (q *publishQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// takeForShutdown closes the queue and returns the remaining messages with
// QoS 1+ messages first (in FIFO order among themselves), then QoS 0. The
// shutdown drain has a bounded grace period, so the messages with delivery
// guarantees go out first.
func (q *publishQueue) takeForShutdown() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	ordered := make([]Message, 0, len(q.items))
	for _, item := range q.items {
		if item.QoS > 0 {
			ordered = append(ordered, item)
		}
	}
	for _, item := range q.items {
		if item.QoS == 0 {
			ordered = append(ordered, item)
		}
	}
	q.items = nil
	return ordered
}

// wake nudges the drain worker. Callers must hold q.mu.
func (q *publishQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// notify wakes the drain worker from outside the queue, e.g. after a
// reconnect when held messages become deliverable again.
func (q *publishQueue) notify() {
	q.mu.Lock()
	q.wake()
	q.mu.Unlock()
}

// wakeup exposes the worker's wait channel.
func (q *publishQueue) wakeup() <-chan struct{} {
	return q.signal
}
