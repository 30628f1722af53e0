package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Multiplier: 2, Ceiling: time.Second, MaxAttempts: 3}
	require.NoError(t, p.Validate())

	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.n), "failure %d", tt.n)
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"zero initial", Policy{Multiplier: 2, Ceiling: time.Second}},
		{"shrinking", Policy{Initial: time.Second, Multiplier: 0.5, Ceiling: time.Second}},
		{"ceiling below initial", Policy{Initial: time.Second, Multiplier: 2, Ceiling: time.Millisecond}},
		{"negative attempts", Policy{Initial: time.Second, Multiplier: 2, Ceiling: time.Second, MaxAttempts: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.p.Validate())
		})
	}
	assert.NoError(t, DefaultPolicy().Validate())
}

func TestBackoffDegradedOnce(t *testing.T) {
	b := NewBackoff(Policy{Initial: time.Second, Multiplier: 3, Ceiling: time.Minute, MaxAttempts: 2})

	d, degraded := b.Failure()
	assert.Equal(t, time.Second, d)
	assert.False(t, degraded)

	d, degraded = b.Failure()
	assert.Equal(t, 3*time.Second, d)
	assert.True(t, degraded)

	d, degraded = b.Failure()
	assert.Equal(t, 9*time.Second, d)
	assert.False(t, degraded, "degraded is reported once")
	assert.True(t, b.Degraded())
	assert.Equal(t, 3, b.Failures())

	assert.True(t, b.Success())
	assert.False(t, b.Degraded())
	assert.Equal(t, 0, b.Failures())
	assert.False(t, b.Success())

	d, _ = b.Failure()
	assert.Equal(t, time.Second, d, "success resets the delay")
}
