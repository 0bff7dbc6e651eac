package campaign

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// RetryManager handles retry logic for failed operations.
type RetryManager struct {
	config RetryConfig
}

// NewRetryManager creates a new retry manager with the given configuration.
func NewRetryManager(config RetryConfig) *RetryManager {
	return &RetryManager{
		config: config,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts or ctx is done. A retry hint carried by the error replaces the
// computed delay when it is longer.
func (r *RetryManager) Retry(ctx context.Context, fn func() error) error {
	return r.RetryNotify(ctx, fn, nil)
}

// RetryNotify is Retry with a callback invoked before every wait.
func (r *RetryManager) RetryNotify(ctx context.Context, fn func() error, notify func(err error, wait time.Duration)) error {
	if !r.config.Enabled || r.config.MaxAttempts <= 1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn()
	}

	b := &hintedBackOff{BackOff: r.newBackOff()}
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		b.hint = GetRetryAfter(err)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.config.MaxAttempts-1)), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}

func (r *RetryManager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialDelay
	b.MaxInterval = r.config.MaxDelay
	b.Multiplier = r.config.Multiplier
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	if r.config.Jitter {
		b.RandomizationFactor = 0.1
	}
	b.Reset()
	return b
}

// hintedBackOff honours a provider supplied retry delay.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

// RateLimiter paces batch deliveries with a token bucket.
type RateLimiter struct {
	config   RateLimitConfig
	limiter  *rate.Limiter
	interval time.Duration
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{config: config}
	if config.Enabled && config.Rate > 0 {
		rl.interval = config.Period / time.Duration(config.Rate)
		rl.limiter = rate.NewLimiter(rate.Every(rl.interval), max(config.Burst, 1))
	}
	return rl
}

// Wait blocks until the request may be delivered. With PerRecipient one token
// is taken per recipient, capped at the burst size.
func (rl *RateLimiter) Wait(ctx context.Context, req *DeliveryRequest) error {
	if rl == nil || rl.limiter == nil {
		return nil
	}

	tokens := 1
	if rl.config.PerRecipient {
		tokens = min(max(req.TotalRecipients(), 1), rl.limiter.Burst())
	}

	if err := rl.limiter.WaitN(ctx, tokens); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return NewRateLimitError(err.Error(), rl.interval*time.Duration(tokens))
	}
	return nil
}

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// CircuitBreakerClosed indicates the circuit breaker is closed (normal operation).
	CircuitBreakerClosed CircuitBreakerState = iota

	// CircuitBreakerOpen indicates the circuit breaker is open (blocking requests).
	CircuitBreakerOpen

	// CircuitBreakerHalfOpen indicates the circuit breaker is half-open (testing recovery).
	CircuitBreakerHalfOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling the provider after repeated failures.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	mu           sync.Mutex
	state        CircuitBreakerState
	failureCount int
	successCount int
	lastFailTime time.Time
	openedAt     time.Time
	now          func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  CircuitBreakerClosed,
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if cb == nil || !cb.config.Enabled {
		return fn()
	}
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
			cb.state = CircuitBreakerHalfOpen
			cb.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if err != nil {
		cb.failureCount++
		cb.lastFailTime = now
		if cb.state == CircuitBreakerHalfOpen ||
			(cb.state == CircuitBreakerClosed && cb.failureCount >= cb.config.FailureThreshold) {
			cb.state = CircuitBreakerOpen
			cb.openedAt = now
		}
		return
	}

	cb.successCount++
	switch cb.state {
	case CircuitBreakerHalfOpen:
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = CircuitBreakerClosed
			cb.failureCount = 0
		}
	case CircuitBreakerClosed:
		if cb.config.ResetTimeout > 0 && now.Sub(cb.lastFailTime) >= cb.config.ResetTimeout {
			cb.failureCount = 0
		}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the current failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
