// Package idempotency deduplicates write-tool executions within a TTL
// window so a repeated command cannot double-write.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Config bounds the cache.
type Config struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

// DefaultConfig enables a 10 minute window with 1000 entries.
func DefaultConfig() Config {
	return Config{Enabled: true, TTL: 10 * time.Minute, MaxEntries: 1000}
}

type cacheEntry struct {
	// done is closed once the leader finishes; followers block on it.
	done chan struct{}

	result     string
	err        error
	completed  bool
	storedAt   time.Time
	lastAccess time.Time
}

// Service collapses duplicate writes. Concurrent calls with the same key
// share a single execution of fn; later calls within the TTL return the
// cached result without running fn again.
type Service struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	config  Config
	now     func() time.Time
}

// New creates the service.
func New(config Config) *Service {
	if config.TTL <= 0 {
		config.TTL = 10 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	return &Service{
		entries: make(map[string]*cacheEntry),
		config:  config,
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *Service) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Key composes the cache key from the tool name and either the explicit
// key or a content hash of the key parts.
func Key(toolName, explicitKey string, keyParts []string) string {
	if explicitKey != "" {
		return toolName + ":" + explicitKey
	}
	sum := sha256.Sum256([]byte(strings.Join(keyParts, "\x00")))
	return toolName + ":" + hex.EncodeToString(sum[:])
}

// Execute runs fn at most once per key per TTL window. Errors are not
// cached; the next caller retries. When the service is disabled fn runs
// unconditionally.
func (s *Service) Execute(ctx context.Context, toolName, explicitKey string, keyParts []string, fn func(context.Context) (string, error)) (string, error) {
	if !s.config.Enabled {
		return fn(ctx)
	}

	key := Key(toolName, explicitKey, keyParts)

	for {
		s.mu.Lock()
		now := s.now()

		if e, ok := s.entries[key]; ok {
			if e.completed {
				if now.Sub(e.storedAt) < s.config.TTL && e.err == nil {
					e.lastAccess = now
					result := e.result
					s.mu.Unlock()
					return result, nil
				}
				// Expired or errored; replace below.
				delete(s.entries, key)
			} else {
				// In flight: wait for the leader and share its outcome.
				done := e.done
				s.mu.Unlock()
				select {
				case <-done:
				case <-ctx.Done():
					return "", ctx.Err()
				}
				s.mu.Lock()
				result, err, ok := e.result, e.err, e.completed
				s.mu.Unlock()
				if ok && err == nil {
					return result, nil
				}
				if ok && err != nil {
					return "", err
				}
				continue
			}
		}

		// Become the leader.
		if len(s.entries) >= s.config.MaxEntries {
			s.evictStalest()
		}
		e := &cacheEntry{done: make(chan struct{}), lastAccess: now}
		s.entries[key] = e
		s.mu.Unlock()

		result, err := fn(ctx)

		s.mu.Lock()
		e.result = result
		e.err = err
		e.completed = true
		e.storedAt = s.now()
		if err != nil {
			// Failed writes are not memoized.
			delete(s.entries, key)
		}
		s.mu.Unlock()
		close(e.done)

		return result, err
	}
}

// Len reports the number of cached entries.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictStalest drops the least recently touched completed entry. In
// flight entries are skipped so a leader is never orphaned. Caller
// holds mu.
func (s *Service) evictStalest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range s.entries {
		if !e.completed {
			continue
		}
		if first || e.lastAccess.Before(oldest) {
			oldestKey = k
			oldest = e.lastAccess
			first = false
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}
