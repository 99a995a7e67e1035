// ABOUTME: Tests for the outbound queue: FIFO drain, head reinsertion, and rejection.
// ABOUTME: Also covers the Pending handle's settle-once behavior.

package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueN(q *Queue, n int) []*Pending {
	out := make([]*Pending, n)
	for i := range n {
		out[i] = q.Enqueue(&QueuedMessage{ID: fmt.Sprintf("m%d", i), Payload: i})
	}
	return out
}

func TestQueue_DrainsInEnqueueOrder(t *testing.T) {
	q := NewQueue(3)
	enqueueN(q, 5)

	var got []string
	for msg := q.Next(); msg != nil; msg = q.Next() {
		got = append(got, msg.ID)
		q.Ack()
	}
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_SingleInFlight(t *testing.T) {
	q := NewQueue(3)
	enqueueN(q, 2)

	first := q.Next()
	require.NotNil(t, first)
	assert.Nil(t, q.Next(), "second message must wait for the first to settle")
	assert.Same(t, first, q.InFlight())
	assert.Equal(t, 2, q.Len())
}

func TestQueue_FailReinsertsAtHead(t *testing.T) {
	q := NewQueue(3)
	pending := enqueueN(q, 3)

	msg := q.Next()
	assert.False(t, q.Fail(errors.New("timeout")))
	assert.Equal(t, 1, msg.Attempts)

	again := q.Next()
	assert.Same(t, msg, again, "failed message retries before later ones")

	q.Ack()
	assert.NoError(t, pending[0].Wait(t.Context()))

	assert.Equal(t, "m1", q.Next().ID)
}

func TestQueue_FailRejectsAfterMaxAttempts(t *testing.T) {
	q := NewQueue(2)
	pending := enqueueN(q, 2)

	q.Next()
	assert.False(t, q.Fail(errors.New("first")))
	q.Next()
	assert.True(t, q.Fail(errors.New("second")))

	err := pending[0].Wait(t.Context())
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Contains(t, err.Error(), "second")

	assert.Equal(t, "m1", q.Next().ID)
}

func TestQueue_RequeueKeepsAttempts(t *testing.T) {
	q := NewQueue(3)
	enqueueN(q, 2)

	msg := q.Next()
	q.Requeue()

	assert.Equal(t, 0, msg.Attempts)
	assert.Same(t, msg, q.Next())
}

func TestQueue_RejectAll(t *testing.T) {
	q := NewQueue(3)
	pending := enqueueN(q, 3)
	q.Next()

	stop := errors.New("stopped")
	assert.Equal(t, 3, q.RejectAll(stop))
	assert.Equal(t, 0, q.Len())

	for _, p := range pending {
		select {
		case <-p.Done():
			assert.ErrorIs(t, p.Err(), stop)
		default:
			t.Fatalf("message %s not rejected", p.ID)
		}
	}
}

func TestQueue_EmptyOperationsAreNoops(t *testing.T) {
	q := NewQueue(3)
	assert.Nil(t, q.Next())
	assert.Nil(t, q.Ack())
	assert.False(t, q.Fail(errors.New("x")))
	q.Requeue()
	assert.Equal(t, 0, q.RejectAll(errors.New("x")))
}

func TestPending_SettlesOnce(t *testing.T) {
	p := newPending("m")
	assert.NoError(t, p.Err(), "unsettled handle reports no error")

	p.settle(nil)
	p.settle(errors.New("late"))

	assert.NoError(t, p.Wait(t.Context()))
	assert.NoError(t, p.Err())
}

func TestPending_WaitHonorsContext(t *testing.T) {
	p := newPending("m")

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}
