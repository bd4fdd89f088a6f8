package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryJobStore keeps jobs in memory. It backs local runs and tests;
// deployments that need durable jobs supply their own JobStore.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]Job)}
}

func (s *MemoryJobStore) Save(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.jobs[job.ID]; ok {
		job.CreatedAt = existing.CreatedAt
	} else {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) List(ctx context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryJobStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s not found", id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryJobStore) SetLastStatus(ctx context.Context, id string, status ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	job.LastStatus = status
	s.jobs[id] = job
	return nil
}

// MemoryExecutionStore keeps execution history in memory, newest first,
// capped per job.
type MemoryExecutionStore struct {
	mu        sync.RWMutex
	perJob    map[string][]Execution
	maxPerJob int
}

func NewMemoryExecutionStore(maxPerJob int) *MemoryExecutionStore {
	if maxPerJob <= 0 {
		maxPerJob = 100
	}
	return &MemoryExecutionStore{perJob: make(map[string][]Execution), maxPerJob: maxPerJob}
}

func (s *MemoryExecutionStore) Record(ctx context.Context, exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]Execution{exec}, s.perJob[exec.JobID]...)
	if len(list) > s.maxPerJob {
		list = list[:s.maxPerJob]
	}
	s.perJob[exec.JobID] = list
	return nil
}

func (s *MemoryExecutionStore) List(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.perJob[jobID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]Execution, len(list))
	copy(out, list)
	return out, nil
}
