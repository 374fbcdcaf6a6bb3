package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store for development and tests. It loses jobs on
// restart; production deployments configure the Postgres store.
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*Job)}
}

func (s *MemStore) Insert(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneJob(job)
	s.jobs[job.ID] = clone
	return nil
}

func (s *MemStore) Claim(_ context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidate *Job
	now := time.Now()
	for _, job := range s.jobs {
		runnable := job.State == StateWaiting ||
			(job.State == StateDelayed && !job.NextRunAt.After(now))
		if !runnable {
			continue
		}
		if candidate == nil ||
			job.Priority > candidate.Priority ||
			(job.Priority == candidate.Priority && job.CreatedAt.Before(candidate.CreatedAt)) {
			candidate = job
		}
	}
	if candidate == nil {
		return nil, nil
	}
	candidate.State = StateActive
	candidate.Attempts++
	candidate.UpdatedAt = now
	return cloneJob(candidate), nil
}

func (s *MemStore) UpdateProgress(_ context.Context, id string, progress int, results []Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.Results = append([]Result(nil), results...)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) MarkCompleted(_ context.Context, id string, results []Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.State = StateCompleted
	job.Progress = 100
	job.Results = append([]Result(nil), results...)
	job.LastError = ""
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) MarkFailed(_ context.Context, id string, lastError string, results []Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.State = StateFailed
	job.LastError = lastError
	job.Results = append([]Result(nil), results...)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) Reschedule(_ context.Context, id string, lastError string, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.State = StateDelayed
	job.LastError = lastError
	job.NextRunAt = nextRun
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemStore) ListRecent(_ context.Context, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemStore) ResetActive(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, job := range s.jobs {
		if job.State == StateActive {
			job.State = StateWaiting
			job.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemStore) PurgeOlderThan(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var n int64
	for id, job := range s.jobs {
		if job.Finished() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) TrimFinished(_ context.Context, keepCompleted int, keepFailed int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	total += s.trimState(StateCompleted, keepCompleted)
	total += s.trimState(StateFailed, keepFailed)
	return total, nil
}

func (s *MemStore) trimState(state State, keep int) int64 {
	var finished []*Job
	for _, job := range s.jobs {
		if job.State == state {
			finished = append(finished, job)
		}
	}
	if len(finished) <= keep {
		return 0
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].UpdatedAt.After(finished[j].UpdatedAt)
	})
	var n int64
	for _, job := range finished[keep:] {
		delete(s.jobs, job.ID)
		n++
	}
	return n
}

func cloneJob(job *Job) *Job {
	clone := *job
	clone.Entries = append([]Entry(nil), job.Entries...)
	clone.Results = append([]Result(nil), job.Results...)
	return &clone
}
