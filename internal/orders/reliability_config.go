package orders

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReliabilityConfig tunes collaborator calls and saga step retries.
type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
	CallTimeout         time.Duration
}

// DefaultReliabilityConfig returns the values used for unset variables.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RetryMaxAttempts:    3,
		RetryBaseDelay:      200 * time.Millisecond,
		RetryMaxDelay:       5 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 10 * time.Second,
		CallTimeout:         5 * time.Second,
	}
}

// LoadReliabilityConfig reads ORDER_* variables, falling back to defaults.
func LoadReliabilityConfig() (ReliabilityConfig, error) {
	cfg := DefaultReliabilityConfig()
	var err error

	if cfg.RetryMaxAttempts, err = parseInt("ORDER_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts < 1 {
		return cfg, errors.New("ORDER_RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.RetryBaseDelay, err = parseDuration("ORDER_RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = parseDuration("ORDER_RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = parseInt("ORDER_BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = parseDuration("ORDER_BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = parseDuration("ORDER_RATE_LIMIT_INTERVAL", cfg.RateLimitInterval); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = parseInt("ORDER_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return cfg, err
	}
	if cfg.CallTimeout, err = parseDuration("ORDER_CALL_TIMEOUT", cfg.CallTimeout); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// StepRetry is the backoff between saga step attempts; MaxAttempts bounds them.
func (c ReliabilityConfig) StepRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// NewBreaker builds a circuit breaker for one collaborator.
func (c ReliabilityConfig) NewBreaker() *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  c.BreakerMaxFailures,
		ResetTimeout: c.BreakerResetTimeout,
	})
}

// NewLimiter builds a rate limiter for one collaborator, or nil when disabled.
func (c ReliabilityConfig) NewLimiter(onWait func(time.Duration)) *RateLimiter {
	if c.RateLimitInterval <= 0 || c.RateLimitBurst <= 0 {
		return nil
	}
	limiter := NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
	limiter.OnWait = onWait
	return limiter
}

func parseDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
