// Package retry runs a single WorkUnit through its attempt state machine:
// fresh identity per attempt, challenge solving, and exponential backoff.
package retry

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts        = 3
	defaultMaxChallengeSolves = 2
	defaultBackoffBase        = time.Second
	defaultBackoffMax         = 30 * time.Second
	defaultSolveTimeout       = 120 * time.Second
)

// Config bounds retries. Attempts and challenge solves are budgeted
// separately.
type Config struct {
	MaxAttempts        int
	MaxChallengeSolves int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	SolveTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MaxChallengeSolves < 0 {
		c.MaxChallengeSolves = 0
	} else if c.MaxChallengeSolves == 0 {
		c.MaxChallengeSolves = defaultMaxChallengeSolves
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.SolveTimeout <= 0 {
		c.SolveTimeout = defaultSolveTimeout
	}
	return c
}

// Backoff returns min(2^attempt * base, max).
func (c Config) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	delay := c.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return delay
}

// Pauser sleeps between attempts.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPauser waits on a timer or the context, whichever ends first.
type TimerPauser struct{}

// Pause returns ctx.Err() if the context ends before the delay.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
