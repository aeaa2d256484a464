package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/carepick/carepick/internal/config"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RetryConfig holds retry configuration for model calls
type RetryConfig struct {
	MaxRetries     int           // Extra attempts after the first (default: 2)
	BaseBackoff    time.Duration // Backoff base, doubled per attempt (default: 800ms)
	JitterFraction float64       // Random jitter added on top of the backoff (default: 0.2)
	Timeout        time.Duration // Per-attempt timeout (default: 60s)

	// Circuit breaker settings
	CircuitBreakerEnabled bool          // Enable circuit breaker (default: true)
	FailureThreshold      int           // Calls that exhaust their retries before opening circuit (default: 5)
	SuccessThreshold      int           // Successes in half-open before closing (default: 2)
	OpenTimeout           time.Duration // How long to keep circuit open (default: 30s)

	MaxConcurrentCalls int     // Maximum in-flight upstream calls (0 = unlimited)
	RateLimitRPS       float64 // Request starts per second (0 = unlimited)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            2,
		BaseBackoff:           800 * time.Millisecond,
		JitterFraction:        0.2,
		Timeout:               60 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    4,
	}
}

// RetryConfigFromDoubao derives the retry policy from the model service config
func RetryConfigFromDoubao(cfg config.DoubaoConfig) RetryConfig {
	rc := DefaultRetryConfig()
	rc.MaxRetries = cfg.MaxRetries
	rc.BaseBackoff = cfg.RetryBase
	rc.Timeout = cfg.Timeout
	rc.MaxConcurrentCalls = cfg.MaxConcurrentCalls
	rc.RateLimitRPS = cfg.RateLimitRPS
	return rc
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker stops calling the model service after repeated transient failures
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// Allow checks if a request should be allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a transient failure
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure while probing reopens immediately
		cb.transition(CircuitOpen)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with the lock held
func (cb *CircuitBreaker) transition(next CircuitState) {
	prev := cb.state
	cb.state = next
	cb.successCount = 0
	if next == CircuitClosed {
		cb.failureCount = 0
	}
	slog.Warn("ai.circuit.transition",
		"from", prev.String(),
		"to", next.String(),
		"failures", cb.failureCount,
		"open_timeout", cb.openTimeout)
}

// retrier runs one logical call with backoff, rate limiting and a concurrency cap
type retrier struct {
	cfg     RetryConfig
	breaker *CircuitBreaker
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	// sleep and jitter are replaced in tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func newRetrier(cfg RetryConfig) *retrier {
	r := &retrier{
		cfg:    cfg,
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
	if cfg.CircuitBreakerEnabled {
		r.breaker = NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout)
	}
	if cfg.MaxConcurrentCalls > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentCalls))
	}
	if cfg.RateLimitRPS > 0 {
		burst := int(cfg.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	return r
}

// backoffDelay returns base * 2^(attempt-1) plus up to jitterFraction of that.
// attempt is the 1-based number of the attempt that just failed.
func backoffDelay(base time.Duration, attempt int, jitterFraction, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	if delay < 0 {
		delay = base
	}
	return delay + time.Duration(float64(delay)*jitterFraction*r)
}

// do executes fn until it succeeds, fails with a non-transient error, or
// exhausts MaxRetries extra attempts. The last error is returned unchanged.
//
// The circuit breaker gates whole calls: it is consulted once before the
// first attempt and records one failure per call that exhausts its retries,
// so an admitted call always gets its full retry budget.
func (r *retrier) do(ctx context.Context, operation string, fn func(context.Context) error) error {
	if r.breaker != nil {
		if err := r.breaker.Allow(); err != nil {
			slog.Warn("ai.invoke.blocked", "operation", operation, "state", r.breaker.State().String())
			return &ServiceError{
				Code:       CodeCircuitOpen,
				Message:    fmt.Sprintf("Doubao API %s blocked: %v", operation, err),
				HTTPStatus: http.StatusServiceUnavailable,
				Cause:      err,
			}
		}
	}
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer r.sem.Release(1)
	}

	var lastErr error
	maxAttempts := r.cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s failed: rate limiter: %w", operation, err)
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if r.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if r.breaker != nil {
				r.breaker.RecordSuccess()
			}
			if attempt > 1 {
				slog.Info("ai.invoke.recovered", "operation", operation, "attempts", attempt)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}
		if !IsTransient(err) {
			slog.Debug("ai.invoke.failed", "operation", operation, "attempt", attempt, "error", err)
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(r.cfg.BaseBackoff, attempt, r.cfg.JitterFraction, r.jitter())
		slog.Warn("ai.invoke.retry",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff", delay,
			"error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, err)
		}
	}

	if r.breaker != nil {
		r.breaker.RecordFailure()
	}
	slog.Warn("ai.invoke.exhausted", "operation", operation, "attempts", maxAttempts, "error", lastErr)
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
