package repository

import (
	"context"
	"time"

	"pkm-jobs/internal/domain/model"
)

// MaxListLimit caps page sizes regardless of what the caller asks for.
const MaxListLimit = 200

// JobFilter narrows List results. Zero values mean "no filter".
type JobFilter struct {
	JobType string
	Status  model.JobStatus
	ItemID  string
	Tag     string
}

// JobMutation is applied to a private copy of the stored record inside
// CompareAndUpdate. Returning an error aborts the write untouched.
type JobMutation func(job *model.Job) error

// JobRepository is the durable record of every job and the only component
// that talks to persistent storage. All writes after Create go through
// CompareAndUpdate so concurrent writers cannot lose updates.
type JobRepository interface {
	// Create persists a new pending job. If a record with the same job_id
	// already exists it returns the existing record when the identities are
	// compatible (idempotent create), or domain.ErrConflict when they differ.
	Create(ctx context.Context, job *model.Job) (*model.Job, error)

	// FindByID returns the record or domain.ErrNotFound.
	FindByID(ctx context.Context, jobID string) (*model.Job, error)

	// CompareAndUpdate atomically checks that the stored last_updated still
	// equals expected, applies mutate to a copy, advances last_updated
	// monotonically and writes the result. Returns domain.ErrStaleWrite when
	// the record moved underneath the caller.
	CompareAndUpdate(ctx context.Context, jobID string, expected time.Time, mutate JobMutation) (*model.Job, error)

	// List returns a page ordered by created_at descending plus the total
	// number of matches. limit is clamped to MaxListLimit.
	List(ctx context.Context, filter JobFilter, limit, offset int) ([]*model.Job, int, error)

	// CountByStatus returns job counts grouped by status for queue stats.
	CountByStatus(ctx context.Context) (map[model.JobStatus]int, error)
}
