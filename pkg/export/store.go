package export

import (
	"context"
	"sort"
	"sync"
	"time"
)

// JobStore persists export jobs
type JobStore interface {
	// Create inserts a new job
	Create(ctx context.Context, job Job) error

	// Get returns a job by id, or ErrJobNotFound
	Get(ctx context.Context, id string) (Job, error)

	// Save overwrites a job. expected is the state the caller read; the write fails
	// with ErrInvalidTransition if the stored job has moved on since.
	Save(ctx context.Context, job Job, expected State) error

	// List returns jobs in the given states last updated before the cutoff
	List(ctx context.Context, states []State, updatedBefore time.Time) ([]Job, error)

	// Delete removes a job record
	Delete(ctx context.Context, id string) error
}

// MemoryJobStore is a JobStore for tests and single-instance deployments without
// a database
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemoryJobStore creates an empty store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]Job)}
}

func (s *MemoryJobStore) Create(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID()] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *MemoryJobStore) Save(_ context.Context, job Job, expected State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID()]
	if !ok {
		return ErrJobNotFound
	}
	if current.State() != expected {
		return ErrInvalidTransition
	}
	s.jobs[job.ID()] = job
	return nil
}

func (s *MemoryJobStore) List(_ context.Context, states []State, updatedBefore time.Time) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, job := range s.jobs {
		if !containsState(states, job.State()) || !job.UpdatedAt().Before(updatedBefore) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt().Before(out[j].UpdatedAt()) })
	return out, nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func containsState(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
