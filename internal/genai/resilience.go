package genai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("generator circuit breaker is open")

// #region breaker
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker stops calling a backend after maxFailures consecutive errors and
// lets a single trial call through once cooldown has elapsed.
type Breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	trialing    bool
	now         func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{maxFailures: maxFailures, cooldown: cooldown, now: time.Now}
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
	case breakerHalfOpen:
		if b.trialing {
			return false
		}
	default:
		return true
	}
	b.trialing = true
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialing = false
	// Caller cancellation says nothing about backend health.
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	if err == nil {
		b.failures = 0
		b.state = breakerClosed
		return
	}
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.maxFailures {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// #endregion breaker

// #region middleware
// Guard wraps a generator with an optional rate limiter and circuit breaker.
// Either may be nil.
func Guard(g Generator, limiter *rate.Limiter, breaker *Breaker) Generator {
	return GeneratorFunc(func(ctx context.Context, req Request) (string, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limit wait: %w", err)
			}
		}
		if breaker != nil && !breaker.allow() {
			return "", ErrCircuitOpen
		}
		out, err := g.Generate(ctx, req)
		if breaker != nil {
			breaker.record(err)
		}
		return out, err
	})
}

// NewLimiter converts a requests-per-minute budget into a limiter. Zero or
// negative disables limiting.
func NewLimiter(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

// #endregion middleware
