//go:build !integration

package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pkm-jobs/internal/domain"
	"pkm-jobs/internal/domain/model"
	"pkm-jobs/internal/domain/ports/adapter"
	"pkm-jobs/internal/domain/ports/repository"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// recordingBroadcaster captures published events for assertions.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (b *recordingBroadcaster) Publish(event model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) Subscribe(ctx context.Context, jobID string) (*adapter.Subscription, error) {
	return nil, domain.ErrNotFound
}

func (b *recordingBroadcaster) published() []model.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.ProgressEvent(nil), b.events...)
}

// flakyRepo wraps a repository and makes the first n CompareAndUpdate
// calls fail with the given error before delegating.
type flakyRepo struct {
	repository.JobRepository
	mu       sync.Mutex
	failures int
	err      error
}

func (r *flakyRepo) CompareAndUpdate(ctx context.Context, jobID string, expected time.Time, mutate repository.JobMutation) (*model.Job, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return nil, r.err
	}
	r.mu.Unlock()
	return r.JobRepository.CompareAndUpdate(ctx, jobID, expected, mutate)
}

// hookedRepo wraps a repository and runs afterFind once, after the next
// FindByID has read its result. Used to interleave a write between a
// store read and the cache store that follows it.
type hookedRepo struct {
	repository.JobRepository
	mu        sync.Mutex
	afterFind func()
}

func (r *hookedRepo) FindByID(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := r.JobRepository.FindByID(ctx, jobID)
	r.mu.Lock()
	hook := r.afterFind
	r.afterFind = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return job, err
}

// fakeCache is an in-process JobStatusCache for cache behavior tests. It
// mirrors the redis StatusCache contract: invalidation leaves a tombstone
// behind and stores never overwrite a live entry or tombstone.
type fakeCache struct {
	mu         sync.Mutex
	entries    map[string]*model.Job
	tombstones map[string]time.Time
	stores     int
	hits       int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries:    make(map[string]*model.Job),
		tombstones: make(map[string]time.Time),
	}
}

func (c *fakeCache) Get(ctx context.Context, jobID string) (*model.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.tombstones[jobID]; ok && time.Now().Before(until) {
		return nil, nil
	}
	if job, ok := c.entries[jobID]; ok {
		c.hits++
		return job.Clone(), nil
	}
	return nil, nil
}

func (c *fakeCache) Store(ctx context.Context, job *model.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.tombstones[job.JobID]; ok && time.Now().Before(until) {
		return nil
	}
	if _, ok := c.entries[job.JobID]; ok {
		return nil
	}
	c.entries[job.JobID] = job.Clone()
	c.stores++
	return nil
}

func (c *fakeCache) Invalidate(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jobID)
	c.tombstones[jobID] = time.Now().Add(2 * time.Second)
	return nil
}
