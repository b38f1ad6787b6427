package browser

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pacer spaces navigations: a shared rate limit plus a random human-like
// pause before each page load.
type pacer struct {
	limiter *rate.Limiter
	min     time.Duration
	max     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func newPacer(rps float64, minDelay, maxDelay time.Duration, seed int64) *pacer {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &pacer{
		limiter: limiter,
		min:     minDelay,
		max:     maxDelay,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (p *pacer) jitter() time.Duration {
	if p.max <= 0 {
		return 0
	}
	span := p.max - p.min
	if span <= 0 {
		return p.min
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min + time.Duration(p.rng.Int63n(int64(span)+1))
}

// Wait blocks until the next navigation may start.
func (p *pacer) Wait(ctx context.Context) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("navigation rate limit: %w", err)
		}
	}
	d := p.jitter()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
