package orders

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy controls retry behavior for outbound calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do executes the function with retries according to the policy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, ErrCircuitOpen)
		}
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}

		if delay := jitter(p.delayFor(attempt)); delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// delayFor doubles the base delay per attempt, capped at MaxDelay.
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay > 0 {
		delay <<= attempt - 1
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

// CircuitBreaker sheds venue calls after repeated failures. An open breaker
// fails fast until its deadline passes; the first call after that is the
// probe, and its result decides whether the breaker closes or re-opens for a
// fresh window.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	failures  int
	openUntil time.Time
	probing   bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
	}
}

// Execute runs the given function while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}
	if err := c.admit(); err != nil {
		return err
	}
	err := fn()
	c.observe(err)
	return err
}

// admit rejects the call while the breaker is open. After the deadline it
// lets exactly one probe through at a time.
func (c *CircuitBreaker) admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.openUntil.IsZero() {
		return nil
	}
	if c.now().Before(c.openUntil) {
		return ErrCircuitOpen
	}
	if c.probing {
		return ErrCircuitOpen
	}
	c.probing = true
	return nil
}

func (c *CircuitBreaker) observe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.failures = 0
		c.openUntil = time.Time{}
		c.probing = false
		return
	}
	if c.probing {
		// A failed probe re-opens a fresh window.
		c.openUntil = c.now().Add(c.resetAfter)
		c.probing = false
		c.failures = 0
		return
	}
	c.failures++
	if c.failures >= c.maxFails {
		c.openUntil = c.now().Add(c.resetAfter)
	}
}

// RateLimiter is a token-bucket limiter.
type RateLimiter struct {
	mu    sync.Mutex
	rate  time.Duration
	burst int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	limiter := &RateLimiter{
		rate:  rate,
		burst: burst,
		now:   time.Now,
		sleep: sleepWithContext,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		if ctx == nil {
			return nil
		}
		return ctx.Err()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	if r.rate <= 0 {
		r.tokens = r.burst
		r.last = now
		return
	}
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	if add <= 0 {
		return
	}
	r.tokens += add
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = r.last.Add(time.Duration(add) * r.rate)
}

// ReliableVenueClient wraps a VenueClient with a rate limit and a circuit
// breaker. It deliberately does not retry: a failed buy is compensated by the
// saga, never re-submitted.
type ReliableVenueClient struct {
	base    VenueClient
	limiter *RateLimiter
	breaker *CircuitBreaker
}

// NewReliableVenueClient constructs a reliability-wrapped venue client.
func NewReliableVenueClient(base VenueClient, limiter *RateLimiter, breaker *CircuitBreaker) *ReliableVenueClient {
	return &ReliableVenueClient{
		base:    base,
		limiter: limiter,
		breaker: breaker,
	}
}

// SubmitTrade submits the trade through the limiter and breaker.
func (c *ReliableVenueClient) SubmitTrade(ctx context.Context, order Order) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	var tradeID string
	call := func() error {
		var err error
		tradeID, err = c.base.SubmitTrade(ctx, order)
		return err
	}
	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return "", err
		}
		return tradeID, nil
	}
	if err := call(); err != nil {
		return "", err
	}
	return tradeID, nil
}

// ReliableRefunder wraps a Refunder with retries. Refunds are idempotent per
// order id, so repeating one on a transient failure is safe.
type ReliableRefunder struct {
	base  Refunder
	retry RetryPolicy
}

// NewReliableRefunder constructs a retry-wrapped refunder.
func NewReliableRefunder(base Refunder, retry RetryPolicy) *ReliableRefunder {
	return &ReliableRefunder{
		base:  base,
		retry: retry,
	}
}

// Refund retries the refund according to the policy.
func (c *ReliableRefunder) Refund(ctx context.Context, orderID string, amount decimal.Decimal) error {
	return c.retry.Do(ctx, func() error {
		return c.base.Refund(ctx, orderID, amount)
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
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

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
