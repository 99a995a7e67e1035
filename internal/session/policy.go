// ABOUTME: RetryPolicy holds reconnect, heartbeat, and send limits for a Manager.
// ABOUTME: Backoff computes the bounded exponential delay before each reconnect.

package session

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryPolicy is immutable configuration supplied at construction.
type RetryPolicy struct {
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	BackoffFactor       float64
	HeartbeatInterval   time.Duration
	ConnectionTimeout   time.Duration
	MaxMissedHeartbeats int
	SendTimeout         time.Duration
	MaxSendAttempts     int
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          5,
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		BackoffFactor:       2,
		HeartbeatInterval:   30 * time.Second,
		ConnectionTimeout:   10 * time.Second,
		MaxMissedHeartbeats: 2,
		SendTimeout:         10 * time.Second,
		MaxSendAttempts:     3,
	}
}

// Validate checks that the policy describes a workable schedule.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries))
	}
	if p.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("base delay must be >= 0, got %s", p.BaseDelay))
	}
	if p.MaxDelay < p.BaseDelay {
		errs = append(errs, fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay))
	}
	if p.BackoffFactor < 1 || math.IsNaN(p.BackoffFactor) || math.IsInf(p.BackoffFactor, 0) {
		errs = append(errs, fmt.Errorf("backoff factor must be a finite number >= 1, got %v", p.BackoffFactor))
	}
	if p.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	if p.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("connection timeout must be positive"))
	}
	if p.MaxMissedHeartbeats < 1 {
		errs = append(errs, fmt.Errorf("max missed heartbeats must be >= 1, got %d", p.MaxMissedHeartbeats))
	}
	if p.SendTimeout <= 0 {
		errs = append(errs, errors.New("send timeout must be positive"))
	}
	if p.MaxSendAttempts < 1 {
		errs = append(errs, fmt.Errorf("max send attempts must be >= 1, got %d", p.MaxSendAttempts))
	}
	return errors.Join(errs...)
}

// Backoff returns min(BaseDelay * BackoffFactor^retry, MaxDelay). The result
// is never negative and never exceeds MaxDelay, even for a policy that would
// fail Validate.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	ceiling := max(p.MaxDelay, 0)
	base := min(max(p.BaseDelay, 0), ceiling)
	retry = max(retry, 0)

	factor := p.BackoffFactor
	if factor < 1 || math.IsNaN(factor) {
		factor = 1
	}

	d := float64(base) * math.Pow(factor, float64(retry))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}
