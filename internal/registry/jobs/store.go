package jobs

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a job run
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// DefaultHistory is how many runs a Store keeps.
const DefaultHistory = 200

// Job is one run of a periodic task
type Job struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     JobStatus      `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Store keeps the most recent job runs in memory
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	limit int
}

// NewStore creates a store retaining up to limit runs
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Store{
		jobs:  make(map[string]*Job),
		limit: limit,
	}
}

// CreateJob records a pending run, evicting the oldest run when full
func (s *Store) CreateJob(jobType string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	if len(s.order) > s.limit {
		delete(s.jobs, s.order[0])
		s.order = slices.Delete(s.order, 0, 1)
	}
	return job
}

// GetJob retrieves a copy of a run by ID
func (s *Store) GetJob(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, exists := s.jobs[id]
	if !exists {
		return nil, false
	}
	out := *job
	return &out, true
}

// UpdateJob applies update to a run under the store lock
func (s *Store) UpdateJob(id string, update func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, exists := s.jobs[id]; exists {
		update(job)
	}
}

// ListJobs returns copies of the runs of jobType, or of all runs when empty, newest first
func (s *Store) ListJobs(jobType string) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		if jobType != "" && job.Type != jobType {
			continue
		}
		out := *job
		jobs = append(jobs, &out)
	}
	return jobs
}
