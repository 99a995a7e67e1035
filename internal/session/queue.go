// ABOUTME: Outbound message queue with single in-flight slot and head reinsertion.
// ABOUTME: Every message ends delivered, rejected, or still queued; none are dropped.

package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pending is the caller's handle on a queued message.
type Pending struct {
	ID string

	done chan struct{}
	err  error
	once sync.Once
}

func newPending(id string) *Pending {
	return &Pending{ID: id, done: make(chan struct{})}
}

// Done is closed once the message is delivered or rejected.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the rejection reason, or nil if delivered. Only meaningful
// after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the message settles or ctx is done. Giving up on the
// wait does not remove the message from the queue.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) settle(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// QueuedMessage is one outbound payload awaiting delivery.
type QueuedMessage struct {
	ID         string
	Payload    any
	EnqueuedAt time.Time
	Attempts   int

	pending *Pending
}

// Queue is a FIFO of outbound messages. At most one message is in flight;
// it leaves the queue only when acknowledged or rejected. Queue is not safe
// for concurrent use; the Manager's loop owns it.
type Queue struct {
	items       []*QueuedMessage
	inFlight    *QueuedMessage
	maxAttempts int
}

// NewQueue creates a queue that rejects a message after maxAttempts failures.
func NewQueue(maxAttempts int) *Queue {
	return &Queue{maxAttempts: max(maxAttempts, 1)}
}

// Enqueue appends msg. A message without a handle gets one.
func (q *Queue) Enqueue(msg *QueuedMessage) *Pending {
	if msg.pending == nil {
		msg.pending = newPending(msg.ID)
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	q.items = append(q.items, msg)
	return msg.pending
}

// Next moves the head into flight and returns it. It returns nil when the
// queue is empty or a message is already in flight.
func (q *Queue) Next() *QueuedMessage {
	if q.inFlight != nil || len(q.items) == 0 {
		return nil
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.inFlight = msg
	return msg
}

// InFlight returns the message currently being sent, if any.
func (q *Queue) InFlight() *QueuedMessage {
	return q.inFlight
}

// Ack marks the in-flight message delivered.
func (q *Queue) Ack() *QueuedMessage {
	msg := q.inFlight
	if msg == nil {
		return nil
	}
	q.inFlight = nil
	msg.pending.settle(nil)
	return msg
}

// Fail records a failed attempt for the in-flight message. The message
// returns to the head of the queue unless it has used all its attempts, in
// which case it is rejected and Fail reports true.
func (q *Queue) Fail(cause error) bool {
	msg := q.inFlight
	if msg == nil {
		return false
	}
	q.inFlight = nil
	msg.Attempts++

	if msg.Attempts >= q.maxAttempts {
		msg.pending.settle(fmt.Errorf("%w after %d attempts: %v", ErrSendFailed, msg.Attempts, cause))
		return true
	}
	q.pushFront(msg)
	return false
}

// Requeue returns the in-flight message to the head without counting an
// attempt. Used when the connection drops before the send settled.
func (q *Queue) Requeue() {
	if q.inFlight == nil {
		return
	}
	q.pushFront(q.inFlight)
	q.inFlight = nil
}

// RejectAll rejects the in-flight message and everything queued with err,
// then empties the queue. It returns how many messages were rejected.
func (q *Queue) RejectAll(err error) int {
	n := 0
	if q.inFlight != nil {
		q.inFlight.pending.settle(err)
		q.inFlight = nil
		n++
	}
	for _, msg := range q.items {
		msg.pending.settle(err)
		n++
	}
	q.items = nil
	return n
}

// Len returns the number of undelivered messages, including the one in flight.
func (q *Queue) Len() int {
	n := len(q.items)
	if q.inFlight != nil {
		n++
	}
	return n
}

func (q *Queue) pushFront(msg *QueuedMessage) {
	q.items = append([]*QueuedMessage{msg}, q.items...)
}
