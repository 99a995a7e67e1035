// ABOUTME: Tests for RetryPolicy validation and the backoff schedule.
// ABOUTME: Checks the delay bound and monotonicity across many retry counts.

package session

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryPolicy_IsValid(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RetryPolicy)
		errMsg string
	}{
		{"negative retries", func(p *RetryPolicy) { p.MaxRetries = -1 }, "max retries"},
		{"max below base", func(p *RetryPolicy) { p.MaxDelay = p.BaseDelay / 2 }, "below base delay"},
		{"factor below one", func(p *RetryPolicy) { p.BackoffFactor = 0.5 }, "backoff factor"},
		{"nan factor", func(p *RetryPolicy) { p.BackoffFactor = math.NaN() }, "backoff factor"},
		{"zero heartbeat", func(p *RetryPolicy) { p.HeartbeatInterval = 0 }, "heartbeat interval"},
		{"zero connect timeout", func(p *RetryPolicy) { p.ConnectionTimeout = 0 }, "connection timeout"},
		{"zero missed", func(p *RetryPolicy) { p.MaxMissedHeartbeats = 0 }, "max missed heartbeats"},
		{"zero send timeout", func(p *RetryPolicy) { p.SendTimeout = 0 }, "send timeout"},
		{"zero send attempts", func(p *RetryPolicy) { p.MaxSendAttempts = 0 }, "max send attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultRetryPolicy()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestBackoff_Schedule(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 1*time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 16*time.Second, p.Backoff(4))
	assert.Equal(t, 30*time.Second, p.Backoff(5))
	assert.Equal(t, 30*time.Second, p.Backoff(1000))
	assert.Equal(t, 1*time.Second, p.Backoff(-3))
}

func TestBackoff_BoundedAndMonotonic(t *testing.T) {
	policies := []RetryPolicy{
		DefaultRetryPolicy(),
		{BaseDelay: 0, MaxDelay: time.Second, BackoffFactor: 3},
		{BaseDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2},
		{BaseDelay: time.Millisecond, MaxDelay: time.Hour, BackoffFactor: 1.5},
		{BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: math.Inf(1)},
		{BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 1},
	}

	for _, p := range policies {
		prev := time.Duration(0)
		for n := 0; n < 200; n++ {
			d := p.Backoff(n)
			assert.GreaterOrEqual(t, d, time.Duration(0), "policy %+v retry %d", p, n)
			assert.LessOrEqual(t, d, p.MaxDelay, "policy %+v retry %d", p, n)
			assert.GreaterOrEqual(t, d, prev, "policy %+v retry %d not monotonic", p, n)
			prev = d
		}
	}
}

func TestBackoff_InvalidPolicyStillBounded(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Second, BackoffFactor: 0.1}
	for n := 0; n < 10; n++ {
		d := p.Backoff(n)
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}

	negative := RetryPolicy{BaseDelay: -time.Second, MaxDelay: -time.Second, BackoffFactor: 2}
	assert.Equal(t, time.Duration(0), negative.Backoff(3))
}
