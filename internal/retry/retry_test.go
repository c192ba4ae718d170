package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		class  Class
		reason string
		mult   float64
	}{
		{"rate limit", &tts.TransientError{Backend: "openai", Status: 429}, Transient, "rate_limit", 2},
		{"server", &tts.TransientError{Backend: "openai", Status: 503}, Transient, "server", 1},
		{"process", &tts.TransientError{Backend: "piper", Err: errors.New("killed")}, Transient, "transient", 1},
		{"wrapped timeout", fmt.Errorf("chunk 3: %w", &tts.TransientError{Backend: "exec", Err: context.DeadlineExceeded}), Transient, "timeout", 1},
		{"auth", &tts.FatalError{Backend: "openai", Status: 401}, Fatal, "auth", 0},
		{"bad request", &tts.FatalError{Backend: "openai", Status: 400}, Fatal, "rejected", 0},
		{"bare deadline", context.DeadlineExceeded, Transient, "timeout", 1},
		{"canceled", context.Canceled, Fatal, "canceled", 0},
		{"unknown", errors.New("mystery"), Fatal, "unclassified", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Classify(tc.err)
			assert.Equal(t, tc.class, d.Class)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, tc.mult, d.Multiplier)
		})
	}
}

func TestClassifyCarriesRetryAfter(t *testing.T) {
	d := Classify(&tts.TransientError{Status: 429, RetryAfter: 3 * time.Second})
	assert.Equal(t, 3*time.Second, d.RetryAfter)
}

func TestShouldRetryBoundsAttempts(t *testing.T) {
	c, err := New(Policy{BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxRetries: 2})
	require.NoError(t, err)

	transient := Decision{Class: Transient}
	assert.True(t, c.ShouldRetry(transient, 1))
	assert.True(t, c.ShouldRetry(transient, 2))
	assert.False(t, c.ShouldRetry(transient, 3))
	assert.False(t, c.ShouldRetry(Decision{Class: Fatal}, 1))
}

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	c, err := New(Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2, Jitter: 0, MaxRetries: 5})
	require.NoError(t, err)

	b := c.NewBackOff()
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, c.Delay(b, Decision{Class: Transient, Multiplier: 1}))
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, got)
}

func TestDelayAppliesMultiplierAndRetryAfter(t *testing.T) {
	c, err := New(Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, MaxRetries: 3})
	require.NoError(t, err)

	assert.Equal(t, 200*time.Millisecond, c.Delay(c.NewBackOff(), Decision{Multiplier: 2}))
	assert.Equal(t, 3*time.Second, c.Delay(c.NewBackOff(), Decision{Multiplier: 1, RetryAfter: 3 * time.Second}))
	assert.Equal(t, 10*time.Second, c.Delay(c.NewBackOff(), Decision{Multiplier: 1, RetryAfter: time.Minute}))
}

func TestDelayJitterStaysInBounds(t *testing.T) {
	c, err := New(Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: 0.5, MaxRetries: 1})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		d := c.Delay(c.NewBackOff(), Decision{Multiplier: 1})
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	bad := DefaultPolicy()
	bad.Jitter = 2
	_, err := New(bad)
	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "retry.jitter", cfgErr.Key)
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.Default().Retry)
	assert.Equal(t, DefaultPolicy(), p)
}
