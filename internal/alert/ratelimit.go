package alert

import (
	"context"
	"sync"
	"time"
)

// TokenBucket limits alert pushes across all instruments. A bucket built
// with a non-positive rate admits everything.
type TokenBucket struct {
	mu        sync.Mutex
	available float64
	perSecond float64
	capacity  float64
	refilled  time.Time
	unlimited bool
	now       func() time.Time
}

func NewTokenBucket(perMinute, burst int) *TokenBucket {
	if perMinute <= 0 {
		return &TokenBucket{unlimited: true, now: time.Now}
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &TokenBucket{
		available: float64(burst),
		perSecond: float64(perMinute) / 60,
		capacity:  float64(burst),
		refilled:  time.Now(),
		now:       time.Now,
	}
}

// Allow takes a token if one is available.
func (b *TokenBucket) Allow() bool {
	if b == nil || b.unlimited {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.available < 1 {
		return false
	}
	b.available--
	return true
}

// WaitForToken blocks up to maxWait for a token. It gives up early when ctx
// is done.
func (b *TokenBucket) WaitForToken(ctx context.Context, maxWait time.Duration) bool {
	if b.Allow() {
		return true
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		wait := b.nextToken()
		tick := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tick.Stop()
			return false
		case <-timer.C:
			tick.Stop()
			return b.Allow()
		case <-tick.C:
		}
		if b.Allow() {
			return true
		}
	}
}

func (b *TokenBucket) nextToken() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.available >= 1 {
		return 0
	}
	return time.Duration((1 - b.available) / b.perSecond * float64(time.Second))
}

func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.refilled).Seconds()
	if elapsed <= 0 {
		return
	}
	b.available = min(b.capacity, b.available+elapsed*b.perSecond)
	b.refilled = now
}
