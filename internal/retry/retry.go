// Package retry decides whether a failed synthesis attempt is retried and how long to wait.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/tts"
)

type Class int

const (
	Transient Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "fatal"
}

// Decision is the pure classification of one error.
type Decision struct {
	Class      Class
	Reason     string
	Status     int
	Multiplier float64
	RetryAfter time.Duration
}

// Policy bounds retries. Delays grow from BaseDelay by Multiplier up to MaxDelay, each spread by
// ±Jitter (a fraction of the delay).
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
	MaxRetries int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
		MaxRetries: 3,
	}
}

func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		BaseDelay:  time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.MaxDelayMS) * time.Millisecond,
		Multiplier: cfg.Multiplier,
		Jitter:     cfg.Jitter,
		MaxRetries: cfg.MaxRetries,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.BaseDelay <= 0:
		return &config.ConfigurationError{Key: "retry.base_delay_ms", Msg: "must be positive"}
	case p.MaxDelay < p.BaseDelay:
		return &config.ConfigurationError{Key: "retry.max_delay_ms", Msg: "must be >= base_delay_ms"}
	case p.Multiplier < 1:
		return &config.ConfigurationError{Key: "retry.multiplier", Msg: "must be >= 1"}
	case p.Jitter < 0 || p.Jitter > 1:
		return &config.ConfigurationError{Key: "retry.jitter", Msg: "must be between 0 and 1"}
	case p.MaxRetries < 0:
		return &config.ConfigurationError{Key: "retry.max_retries", Msg: "must be >= 0"}
	}
	return nil
}

// Classify maps an adapter error onto the retry taxonomy. Errors it cannot place are fatal.
func Classify(err error) Decision {
	var transient *tts.TransientError
	if errors.As(err, &transient) {
		d := Decision{Class: Transient, Reason: "transient", Status: transient.Status, Multiplier: 1, RetryAfter: transient.RetryAfter}
		switch {
		case transient.Status == http.StatusTooManyRequests:
			d.Reason = "rate_limit"
			d.Multiplier = 2
		case transient.Status == http.StatusRequestTimeout || errors.Is(err, context.DeadlineExceeded):
			d.Reason = "timeout"
		case transient.Status >= 500:
			d.Reason = "server"
		}
		return d
	}

	var fatal *tts.FatalError
	if errors.As(err, &fatal) {
		d := Decision{Class: Fatal, Reason: "rejected", Status: fatal.Status}
		if fatal.Status == http.StatusUnauthorized || fatal.Status == http.StatusForbidden {
			d.Reason = "auth"
		}
		return d
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: Fatal, Reason: "canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: Transient, Reason: "timeout", Multiplier: 1}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: Transient, Reason: "timeout", Multiplier: 1}
	}
	return Decision{Class: Fatal, Reason: "unclassified"}
}

// Controller applies a Policy. It holds no mutable state; per-task backoff state lives in the
// value returned by NewBackOff.
type Controller struct {
	policy Policy
}

func New(p Policy) (*Controller, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Controller{policy: p}, nil
}

func (c *Controller) Policy() Policy { return c.policy }

// ShouldRetry reports whether a task that has made attempts invocations may be dispatched again.
func (c *Controller) ShouldRetry(d Decision, attempts int) bool {
	return d.Class == Transient && attempts <= c.policy.MaxRetries
}

func (c *Controller) NewBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.policy.BaseDelay,
		RandomizationFactor: c.policy.Jitter,
		Multiplier:          c.policy.Multiplier,
		MaxInterval:         c.policy.MaxDelay,
	}
	b.Reset()
	return b
}

// Delay returns the wait before the next attempt, never more than MaxDelay.
func (c *Controller) Delay(b *backoff.ExponentialBackOff, d Decision) time.Duration {
	next := b.NextBackOff()
	if next < 0 {
		next = c.policy.MaxDelay
	}
	mult := d.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := time.Duration(float64(next) * mult)
	if d.RetryAfter > delay {
		delay = d.RetryAfter
	}
	return min(delay, c.policy.MaxDelay)
}
