// Package breaker wraps outbound calls with retries, per-attempt
// timeouts and a per-endpoint circuit breaker.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// Breaker is the per-endpoint failure state machine. Closed until
// failureThreshold consecutive counted failures, then open until
// openUntil; the first call after that window is the half-open probe.
type Breaker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	openUntil           time.Time
	failureThreshold    int
	openDuration        time.Duration
	now                 func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(failureThreshold int, openDuration time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		now:              time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// OpenFor reports whether calls must fast-fail, and for how long.
func (b *Breaker) OpenFor() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.openUntil.Sub(b.now())
	if remaining > 0 {
		return remaining, true
	}
	return 0, false
}

// RecordSuccess closes the breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.openUntil = time.Time{}
}

// RecordFailure counts a failure; at the threshold (or on a failed
// half-open probe) the breaker opens for openDuration.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.openUntil = b.now().Add(b.openDuration)
	}
}

// OpenError is the fast-fail result while the breaker is open.
type OpenError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit_open: endpoint %s unavailable, retry after %s", e.Endpoint, e.RetryAfter.Round(time.Second))
}

// Code returns the stable machine-readable code.
func (e *OpenError) Code() string { return "circuit_open" }

// Registry hands out one breaker per endpoint.
type Registry struct {
	mu               sync.RWMutex
	breakers         map[string]*Breaker
	failureThreshold int
	openDuration     time.Duration
}

// NewRegistry creates a registry applying the same thresholds to every
// endpoint.
func NewRegistry(failureThreshold int, openDuration time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
	}
}

// Get returns the endpoint's breaker, creating it on first use.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b = NewBreaker(r.failureThreshold, r.openDuration)
	r.breakers[endpoint] = b
	return b
}
