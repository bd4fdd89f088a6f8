package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/alloybot/alloy/internal/observability"
)

// Config parameterizes the retry executor.
type Config struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Timeout          time.Duration
	FailureThreshold int
	OpenDuration     time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
	}
}

// HTTPError carries enough of an upstream HTTP failure for retry and
// breaker classification. RetryAfter, when set, overrides the computed
// backoff (clamped to MaxBackoff).
type HTTPError struct {
	StatusCode int
	// Code is the provider's machine-readable error code, if any.
	Code       string
	RetryAfter time.Duration
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d (%s)", e.StatusCode, e.Code)
}

// retryableCodes are provider error codes worth another attempt.
var retryableCodes = map[string]bool{
	"rate_limited":        true,
	"ratelimited":         true,
	"internal_error":      true,
	"request_timeout":     true,
	"service_unavailable": true,
}

var retryableStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// Retryable reports whether another attempt may succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return retryableStatuses[httpErr.StatusCode] || retryableCodes[httpErr.Code]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Per-attempt timeout.
		return true
	}
	return isIOError(err)
}

// countsTowardBreaker reports whether the failure marks the endpoint
// unhealthy. Client-side throttling (429) does not.
func countsTowardBreaker(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isIOError(err)
}

func isIOError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

// Executor runs outbound calls with bounded retries and the endpoint's
// circuit breaker.
type Executor struct {
	config   Config
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithLogger injects a logger.
func WithLogger(logger *observability.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics publishes breaker state transitions.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates the executor with its own breaker registry.
func NewExecutor(config Config, opts ...ExecutorOption) *Executor {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	e := &Executor{
		config:   config,
		registry: NewRegistry(config.FailureThreshold, config.OpenDuration),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("breaker")
	return e
}

// Breaker exposes the endpoint's breaker, mainly for tests and metrics.
func (e *Executor) Breaker(endpoint string) *Breaker {
	return e.registry.Get(endpoint)
}

// Do runs fn against the endpoint. Each attempt is bounded by the
// configured timeout; retryable failures back off exponentially, with an
// upstream Retry-After taking precedence. While the endpoint's breaker
// is open, Do fast-fails with *OpenError without invoking fn.
func (e *Executor) Do(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	b := e.registry.Get(endpoint)
	backoff := e.config.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if remaining, open := b.OpenFor(); open {
			e.setBreakerGauge(endpoint, 1)
			return &OpenError{Endpoint: endpoint, RetryAfter: remaining}
		}

		err := e.attempt(ctx, fn)
		if err == nil {
			b.RecordSuccess()
			e.setBreakerGauge(endpoint, 0)
			return nil
		}
		lastErr = err

		if countsTowardBreaker(err) {
			b.RecordFailure()
			if _, open := b.OpenFor(); open {
				e.setBreakerGauge(endpoint, 1)
			}
		}

		// The parent being done is a cancellation, not a retryable
		// attempt timeout.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Retryable(err) || attempt >= e.config.MaxAttempts {
			return err
		}

		delay := backoff
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			delay = min(httpErr.RetryAfter, e.config.MaxBackoff)
		}
		e.logger.Debug(ctx, "retrying outbound call",
			"endpoint", endpoint, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, e.config.MaxBackoff)
	}
	return lastErr
}

func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.config.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (e *Executor) setBreakerGauge(endpoint string, v float64) {
	if e.metrics != nil {
		e.metrics.BreakerState.WithLabelValues(endpoint).Set(v)
	}
}

// DoWithValue is Do for calls that return a value.
func DoWithValue[T any](e *Executor, ctx context.Context, endpoint string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, endpoint, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}
