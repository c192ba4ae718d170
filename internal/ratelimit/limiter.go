// Package ratelimit enforces a backend's request budget across every scheduler worker.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/tts"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by all workers of one run. A nil *Limiter never blocks.
type Limiter struct {
	limiter *rate.Limiter
	waited  atomic.Int64 // nanoseconds spent blocked in Wait
	granted atomic.Int64
}

// New builds a limiter that admits rl.Requests per rl.Interval. Burst defaults to one so
// that requests are spread evenly instead of fired in a block at the start of each interval.
func New(rl tts.RateLimit, burst int) *Limiter {
	if rl.Unlimited() {
		return &Limiter{}
	}
	if burst < 1 {
		burst = 1
	}
	every := rl.Interval / time.Duration(rl.Requests)
	return &Limiter{limiter: rate.NewLimiter(rate.Every(every), burst)}
}

// ForProvider sizes the limiter from the backend's advertised capability.
func ForProvider(p tts.Provider) *Limiter {
	return New(p.Capabilities().RateLimit, 1)
}

// Wait blocks until the next request may be dispatched or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l != nil {
			l.granted.Add(1)
		}
		return nil
	}
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	l.waited.Add(int64(time.Since(start)))
	l.granted.Add(1)
	return nil
}

func (l *Limiter) Unlimited() bool { return l == nil || l.limiter == nil }

// Stats returns how many requests were admitted and the total time callers spent blocked.
func (l *Limiter) Stats() (granted int64, waited time.Duration) {
	if l == nil {
		return 0, 0
	}
	return l.granted.Load(), time.Duration(l.waited.Load())
}
