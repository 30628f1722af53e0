package client

import (
	"fmt"
	"sync"
	"time"
)

// Policy is the one retry policy shared by push and pull failures.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Multiplier grows the delay per consecutive failure.
	Multiplier float64
	// Ceiling caps the delay.
	Ceiling time.Duration
	// MaxAttempts is the number of consecutive failures after which the
	// driver reports itself degraded. Retrying continues regardless.
	// Zero never reports.
	MaxAttempts int
}

// DefaultPolicy returns 1s doubling up to 30s, degraded after 5 failures.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     time.Second,
		Multiplier:  2,
		Ceiling:     30 * time.Second,
		MaxAttempts: 5,
	}
}

// Validate rejects policies that cannot back off.
func (p Policy) Validate() error {
	switch {
	case p.Initial <= 0:
		return fmt.Errorf("backoff initial delay must be positive, got %v", p.Initial)
	case p.Multiplier < 1:
		return fmt.Errorf("backoff multiplier must be at least 1, got %v", p.Multiplier)
	case p.Ceiling < p.Initial:
		return fmt.Errorf("backoff ceiling %v is below initial delay %v", p.Ceiling, p.Initial)
	case p.MaxAttempts < 0:
		return fmt.Errorf("backoff max attempts must not be negative, got %d", p.MaxAttempts)
	}
	return nil
}

// Delay returns the wait after the n-th consecutive failure (n >= 1):
// Initial * Multiplier^(n-1), capped at Ceiling.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.Initial)
	for i := 1; i < n; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.Ceiling) {
			return p.Ceiling
		}
	}
	if d := time.Duration(delay); d < p.Ceiling {
		return d
	}
	return p.Ceiling
}

// Backoff tracks consecutive failures against a Policy.
type Backoff struct {
	policy Policy

	mu       sync.Mutex
	failures int
	degraded bool
}

// NewBackoff returns a tracker with no failures.
func NewBackoff(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// Failure records a failure and returns the delay to wait. becameDegraded
// is true exactly once, on the failure that reaches MaxAttempts.
func (b *Backoff) Failure() (delay time.Duration, becameDegraded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.policy.MaxAttempts > 0 && b.failures >= b.policy.MaxAttempts && !b.degraded {
		b.degraded = true
		becameDegraded = true
	}
	return b.policy.Delay(b.failures), becameDegraded
}

// Success resets the tracker. recovered reports whether it was degraded.
func (b *Backoff) Success() (recovered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	recovered = b.degraded
	b.failures = 0
	b.degraded = false
	return recovered
}

// Failures returns the consecutive failure count.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Degraded reports whether MaxAttempts has been reached since the last
// success.
func (b *Backoff) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

