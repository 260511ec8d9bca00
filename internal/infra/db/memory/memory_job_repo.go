// Package memory provides an in-process JobRepository with the same
// compare-and-set semantics as the Postgres store. It backs dev mode and
// unit tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkm-jobs/internal/domain"
	"pkm-jobs/internal/domain/model"
	"pkm-jobs/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*JobRepo)(nil)

type JobRepo struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

func NewJobRepo() *JobRepo {
	return &JobRepo{jobs: make(map[string]*model.Job)}
}

func (r *JobRepo) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.jobs[job.JobID]; ok {
		if !existing.CompatibleWith(job) {
			return nil, fmt.Errorf("%w: job_id %q", domain.ErrConflict, job.JobID)
		}
		return existing.Clone(), nil
	}
	r.jobs[job.JobID] = job.Clone()
	return job.Clone(), nil
}

func (r *JobRepo) FindByID(ctx context.Context, jobID string) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (r *JobRepo) CompareAndUpdate(ctx context.Context, jobID string, expected time.Time, mutate repository.JobMutation) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !job.LastUpdated.Equal(expected) {
		return nil, fmt.Errorf("%w: job_id %q", domain.ErrStaleWrite, jobID)
	}

	cp := job.Clone()
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.JobID, cp.JobType, cp.CreatedAt = job.JobID, job.JobType, job.CreatedAt
	cp.LastUpdated = model.NextUpdateTime(job.LastUpdated)
	r.jobs[jobID] = cp
	return cp.Clone(), nil
}

func (r *JobRepo) List(ctx context.Context, filter repository.JobFilter, limit, offset int) ([]*model.Job, int, error) {
	if limit <= 0 || limit > repository.MaxListLimit {
		limit = repository.MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.RLock()
	var matched []*model.Job
	for _, job := range r.jobs {
		if matches(job, filter) {
			matched = append(matched, job)
		}
	}
	r.mu.RUnlock()

	// Newest first; job_id breaks created_at ties so pages stay stable.
	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].CreatedAt.After(matched[k].CreatedAt)
		}
		return matched[i].JobID < matched[k].JobID
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]*model.Job, 0, end-offset)
	for _, job := range matched[offset:end] {
		page = append(page, job.Clone())
	}
	return page, total, nil
}

func (r *JobRepo) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[model.JobStatus]int)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func matches(job *model.Job, f repository.JobFilter) bool {
	if f.JobType != "" && job.JobType != f.JobType {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.ItemID != "" && job.ItemID != f.ItemID {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range job.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
