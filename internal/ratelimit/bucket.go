package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Bucket wraps a token bucket shared by every caller that talks to one
// upstream. Acquire blocks cooperatively until a token is available or the
// context is cancelled. A Retry-After signal from the upstream drains the
// bucket so in-flight callers cannot pile on during a penalty window.
type Bucket struct {
	limiter *rate.Limiter

	mu         sync.Mutex
	drainUntil time.Time

	waits    atomic.Int64
	acquires atomic.Int64
}

// NewBucket creates a bucket with the given steady-state rate (tokens per
// second) and burst capacity.
func NewBucket(rps float64, burst int) *Bucket {
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Acquire takes one token, blocking until refill if none are available.
// Cancellation of ctx releases the reservation and returns the context error.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.mu.Lock()
	until := b.drainUntil
	b.mu.Unlock()

	if wait := time.Until(until); wait > 0 {
		b.waits.Add(1)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if !b.limiter.Allow() {
		b.waits.Add(1)
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	b.acquires.Add(1)
	return nil
}

// Drain empties the bucket and blocks new acquisitions until the given
// moment. Used when the upstream answers with a retry delay: the delay is an
// absolute lower bound for the next outbound call.
func (b *Bucket) Drain(until time.Time) {
	b.mu.Lock()
	if until.After(b.drainUntil) {
		b.drainUntil = until
	}
	b.mu.Unlock()

	// Throw away whatever tokens are banked so the burst capacity cannot
	// defeat the penalty window once it elapses.
	for b.limiter.Allow() {
	}
}

// Tokens reports the currently banked token count.
func (b *Bucket) Tokens() float64 {
	return b.limiter.Tokens()
}

// Stats reports acquisition counters for observability.
func (b *Bucket) Stats() (acquires, waits int64) {
	return b.acquires.Load(), b.waits.Load()
}
