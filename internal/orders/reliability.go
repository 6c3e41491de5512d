package orders

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
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
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, ErrCircuitOpen)
		}
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
		if err := p.Wait(ctx, attempt); err != nil {
			return err
		}
	}
	return nil
}

// Delay returns the backoff before retry number attempt (1-based), before jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	if delay > 0 {
		delay = delay << (attempt - 1)
	}
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Wait sleeps for the jittered backoff of attempt or until ctx ends.
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	delay := jitter(p.Delay(attempt))
	if delay <= 0 {
		return nil
	}
	return sleep(ctx, delay)
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// IsFailure decides which errors count against the breaker. Defaults to
	// every error that is not a rejection.
	IsFailure func(error) bool
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker stops calls after repeated failures.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time
	isFailure  func(error) bool

	state          circuitState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
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
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return !IsRejection(err) }
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		isFailure:  isFailure,
		state:      circuitClosed,
	}
}

// Execute runs the given function while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case circuitOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	case circuitHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if c.state == circuitHalfOpen {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == circuitHalfOpen {
		c.halfOpenFlight = false
	}

	if err == nil || !c.isFailure(err) {
		c.state = circuitClosed
		c.failures = 0
		return err
	}

	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = now
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = circuitOpen
		c.openedAt = now
	}
	return err
}

// RateLimiter is a token-bucket limiter.
type RateLimiter struct {
	mu    sync.Mutex
	rate  time.Duration
	burst int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	// OnWait, when set, observes every throttled wait.
	OnWait func(time.Duration)

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
		if r.OnWait != nil {
			r.OnWait(wait)
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

// callGuard applies rate limiting, circuit breaking, a per-call timeout and
// retries around a collaborator call.
type callGuard struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	retry   RetryPolicy
	timeout time.Duration
}

func (g callGuard) do(ctx context.Context, op string, fn func(context.Context) error) error {
	retry := g.retry
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = IsTransient
	}
	attempt := func() error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if g.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		}
		defer cancel()

		call := func() error { return fn(callCtx) }
		var err error
		if g.breaker != nil {
			err = g.breaker.Execute(call)
		} else {
			err = call()
		}
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen)) {
			return Transient(op, err)
		}
		return err
	}
	return retry.Do(ctx, attempt)
}

// ReliablePaymentService wraps a PaymentService with reliability controls.
type ReliablePaymentService struct {
	base  PaymentService
	guard callGuard
}

// NewReliablePaymentService constructs a reliability-wrapped payment service.
func NewReliablePaymentService(base PaymentService, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy, timeout time.Duration) *ReliablePaymentService {
	return &ReliablePaymentService{
		base:  base,
		guard: callGuard{limiter: limiter, breaker: breaker, retry: retry, timeout: timeout},
	}
}

func (c *ReliablePaymentService) Capture(ctx context.Context, tenantID string, amount int64, currency, paymentToken, idempotencyKey string) (string, error) {
	var paymentID string
	err := c.guard.do(ctx, "payment capture", func(ctx context.Context) error {
		id, err := c.base.Capture(ctx, tenantID, amount, currency, paymentToken, idempotencyKey)
		paymentID = id
		return err
	})
	return paymentID, err
}

func (c *ReliablePaymentService) Refund(ctx context.Context, paymentID string) error {
	return c.guard.do(ctx, "payment refund", func(ctx context.Context) error {
		return c.base.Refund(ctx, paymentID)
	})
}

// ReliableInventoryService wraps an InventoryService with reliability controls.
type ReliableInventoryService struct {
	base  InventoryService
	guard callGuard
}

// NewReliableInventoryService constructs a reliability-wrapped inventory service.
func NewReliableInventoryService(base InventoryService, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy, timeout time.Duration) *ReliableInventoryService {
	return &ReliableInventoryService{
		base:  base,
		guard: callGuard{limiter: limiter, breaker: breaker, retry: retry, timeout: timeout},
	}
}

func (c *ReliableInventoryService) Reserve(ctx context.Context, tenantID string, items []LineItem, reservationKey string) (string, error) {
	var reservationID string
	err := c.guard.do(ctx, "inventory reserve", func(ctx context.Context) error {
		id, err := c.base.Reserve(ctx, tenantID, items, reservationKey)
		reservationID = id
		return err
	})
	return reservationID, err
}

func (c *ReliableInventoryService) Release(ctx context.Context, reservationID string) error {
	return c.guard.do(ctx, "inventory release", func(ctx context.Context) error {
		return c.base.Release(ctx, reservationID)
	})
}

// ReliableAccountValidator wraps an AccountValidator with reliability controls.
type ReliableAccountValidator struct {
	base  AccountValidator
	guard callGuard
}

// NewReliableAccountValidator constructs a reliability-wrapped account validator.
func NewReliableAccountValidator(base AccountValidator, limiter *RateLimiter, breaker *CircuitBreaker, retry RetryPolicy, timeout time.Duration) *ReliableAccountValidator {
	return &ReliableAccountValidator{
		base:  base,
		guard: callGuard{limiter: limiter, breaker: breaker, retry: retry, timeout: timeout},
	}
}

func (c *ReliableAccountValidator) ValidateUser(ctx context.Context, tenantID, userID string) (bool, error) {
	var active bool
	err := c.guard.do(ctx, "account validation", func(ctx context.Context) error {
		ok, err := c.base.ValidateUser(ctx, tenantID, userID)
		active = ok
		return err
	})
	return active, err
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
