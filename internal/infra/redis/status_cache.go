package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"pkm-jobs/internal/domain"
	"pkm-jobs/internal/domain/model"
)

// tombstone marks a key as recently invalidated. While it is alive, Store
// is a no-op (SET NX), so an in-flight read that fetched the record before
// a write committed cannot repopulate the cache with the pre-write
// snapshot. Reads fall through to the store until the tombstone expires.
const (
	tombstone    = "__invalidated__"
	tombstoneTTL = 2 * time.Second
)

// StatusCache keeps recent job snapshots in redis so hot GetStatus reads
// skip the database. The lifecycle manager invalidates entries on every
// write; the tombstone window closes the read-then-store race, so a hit is
// never staler than the last committed mutation.
type StatusCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewStatusCache(client RedisClient, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, ttl: ttl}
}

func key(jobID string) string { return "job_status:" + jobID }

func (c *StatusCache) Get(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := c.client.Get(ctx, key(jobID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if data == tombstone {
		return nil, domain.ErrNotFound
	}
	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Store populates the cache only when the key is absent. A live tombstone
// or an existing entry wins; entries refresh through the
// invalidate -> expire -> repopulate cycle.
func (c *StatusCache) Store(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = c.client.SetNX(ctx, key(job.JobID), data, c.ttl)
	return err
}

// Invalidate replaces the entry with a short-lived tombstone rather than
// deleting it, so late stores of pre-write snapshots are rejected.
func (c *StatusCache) Invalidate(ctx context.Context, jobID string) error {
	return c.client.Set(ctx, key(jobID), tombstone, tombstoneTTL)
}
