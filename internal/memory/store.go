package memory

import (
	"sync"
	"time"
)

// Store maps session IDs to their Conversation, capped at maxSessions
// live sessions with LRU eviction. Reads count as access.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*entry
	maxSessions int
	maxMessages int
	estimator   TokenEstimator
	now         func() time.Time
}

type entry struct {
	conv       *Conversation
	lastAccess time.Time
}

// Option configures the store.
type Option func(*Store)

// WithTokenEstimator injects a custom estimator for new conversations.
func WithTokenEstimator(est TokenEstimator) Option {
	return func(s *Store) { s.estimator = est }
}

// WithNowFunc overrides the clock. Tests only.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a session store.
func NewStore(maxSessions, maxMessages int, opts ...Option) *Store {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	s := &Store{
		sessions:    make(map[string]*entry),
		maxSessions: maxSessions,
		maxMessages: maxMessages,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the session's conversation, creating it if absent.
// Concurrent callers for the same ID observe the same instance.
func (s *Store) GetOrCreate(sessionID string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		if len(s.sessions) >= s.maxSessions {
			s.evictOldest()
		}
		e = &entry{conv: NewConversation(s.maxMessages, s.estimator)}
		s.sessions[sessionID] = e
	}
	e.lastAccess = s.now()
	return e.conv
}

// Get returns the conversation if present, marking it as accessed.
func (s *Store) Get(sessionID string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	e.lastAccess = s.now()
	return e.conv, true
}

// Remove deletes a session.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// evictOldest drops the least recently accessed session. Caller holds mu.
func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	first := true
	for id, e := range s.sessions {
		if first || e.lastAccess.Before(oldest) {
			oldestID = id
			oldest = e.lastAccess
			first = false
		}
	}
	if oldestID != "" {
		delete(s.sessions, oldestID)
	}
}
