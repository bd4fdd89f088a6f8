// Package approval implements the human-in-the-loop rendezvous that
// suspends a tool call until someone decides or a timeout fires.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a pending approval.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusTimedOut Status = "TIMED_OUT"
)

// Pending describes an approval awaiting a decision.
type Pending struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	UserID      string         `json:"user_id"`
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments"`
	RequestedAt time.Time      `json:"requested_at"`
	Status      Status         `json:"status"`
}

// Response resolves a request. ModifiedArguments, when non-nil, replace
// the original tool arguments for the subsequent invocation.
type Response struct {
	Approved          bool
	ModifiedArguments map[string]any
	Reason            string
}

type waiter struct {
	pending Pending
	// ch is buffered so the decider never blocks; each entry is
	// completed at most once because completion removes it from the
	// index under the lock before sending.
	ch chan Response
}

// Store is the live index of pending approvals.
type Store struct {
	mu      sync.Mutex
	entries map[string]*waiter
}

// NewStore creates an empty approval store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*waiter)}
}

// RequestApproval registers a pending entry and blocks the caller until
// a decision arrives, the timeout elapses, or ctx is cancelled. On
// timeout the entry is removed and a denial with reason "approval timed
// out" is returned. Cancellation returns ctx.Err().
func (s *Store) RequestApproval(ctx context.Context, runID, userID, toolName string, arguments map[string]any, timeout time.Duration) (Response, error) {
	w := &waiter{
		pending: Pending{
			ID:          uuid.NewString(),
			RunID:       runID,
			UserID:      userID,
			ToolName:    toolName,
			Arguments:   arguments,
			RequestedAt: time.Now(),
			Status:      StatusPending,
		},
		ch: make(chan Response, 1),
	}

	s.mu.Lock()
	s.entries[w.pending.ID] = w
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-timer.C:
		if s.claim(w.pending.ID) {
			return Response{Approved: false, Reason: "approval timed out"}, nil
		}
		// A decision won the race; it is already in the channel.
		return <-w.ch, nil
	case <-ctx.Done():
		if s.claim(w.pending.ID) {
			return Response{}, ctx.Err()
		}
		return <-w.ch, nil
	}
}

// Approve resolves the entry. A nil modifiedArguments keeps the original
// tool arguments. Returns false when the entry does not exist or was
// already completed.
func (s *Store) Approve(id string, modifiedArguments map[string]any) bool {
	w, ok := s.take(id)
	if !ok {
		return false
	}
	w.ch <- Response{Approved: true, ModifiedArguments: modifiedArguments}
	return true
}

// Reject resolves the entry with a denial.
func (s *Store) Reject(id, reason string) bool {
	w, ok := s.take(id)
	if !ok {
		return false
	}
	if reason == "" {
		reason = "approval rejected"
	}
	w.ch <- Response{Approved: false, Reason: reason}
	return true
}

// ListPending snapshots all live entries.
func (s *Store) ListPending() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Pending, 0, len(s.entries))
	for _, w := range s.entries {
		out = append(out, w.pending)
	}
	return out
}

// ListPendingByUser snapshots the live entries for one user.
func (s *Store) ListPendingByUser(userID string) []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Pending
	for _, w := range s.entries {
		if w.pending.UserID == userID {
			out = append(out, w.pending)
		}
	}
	return out
}

// take removes and returns the entry, claiming the right to complete it.
func (s *Store) take(id string) (*waiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	return w, ok
}

// claim removes the entry without completing it. Used by the waiter side
// for timeout and cancellation.
func (s *Store) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}
