package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pkm-jobs/internal/domain"
	"pkm-jobs/internal/domain/model"
	"pkm-jobs/internal/domain/ports/adapter"
	"pkm-jobs/internal/domain/ports/repository"
	"pkm-jobs/internal/infra/metrics"
)

// casAttempts bounds the internal re-read/retry loop after a stale write.
const casAttempts = 3

// errNoop signals from inside a mutation that the stored record already
// reflects the request; the write is skipped and no event is published.
var errNoop = errors.New("no-op")

// JobStatusCache is an optional read-side cache invalidated on every write.
type JobStatusCache interface {
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Store(ctx context.Context, job *model.Job) error
	Invalidate(ctx context.Context, jobID string) error
}

// LifecycleUseCase is the single writer of record for job status. Every
// status change in the system goes through here so transitions are
// validated in one place.
type LifecycleUseCase struct {
	repo            repository.JobRepository
	bc              adapter.ProgressBroadcaster
	cache           JobStatusCache
	maxRetries      int
	maxPayloadBytes int
	log             *zerolog.Logger
}

// NewLifecycleUseCase constructs the lifecycle manager. bc and cache may be
// nil; publishing and caching are then skipped.
func NewLifecycleUseCase(
	repo repository.JobRepository,
	bc adapter.ProgressBroadcaster,
	cache JobStatusCache,
	maxRetries int,
	maxPayloadBytes int,
	logger *zerolog.Logger,
) *LifecycleUseCase {
	ucLog := logger.With().Str("component", "LifecycleUseCase").Logger()
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &LifecycleUseCase{
		repo:            repo,
		bc:              bc,
		cache:           cache,
		maxRetries:      maxRetries,
		maxPayloadBytes: maxPayloadBytes,
		log:             &ucLog,
	}
}

// Create registers a new pending job. Calling it again with the same job_id
// and a compatible payload returns the existing record; a conflicting
// payload is rejected.
func (uc *LifecycleUseCase) Create(ctx context.Context, jobID, jobType string, input model.Payload, itemID string, tags []string) (*model.Job, error) {
	if err := uc.checkPayload(input); err != nil {
		return nil, err
	}
	job, err := model.NewJob(jobID, jobType, input, itemID, tags, uc.maxRetries)
	if err != nil {
		return nil, err
	}
	created, err := uc.repo.Create(ctx, job)
	if err != nil {
		return nil, err
	}
	uc.log.Info().Str("job_id", created.JobID).Str("job_type", created.JobType).Msg("job created")
	return created, nil
}

// Progress records worker progress. The first call on a pending job moves
// it to processing. A percentage lower than the stored one is tolerated as
// a no-op so out-of-order delivery from a worker cannot move progress
// backwards.
func (uc *LifecycleUseCase) Progress(ctx context.Context, jobID string, percentage int, stage, message string) (*model.Job, error) {
	if percentage < 0 || percentage > 100 {
		return nil, fmt.Errorf("%w: progress_percentage must be 0-100, got %d", domain.ErrInvalidArgument, percentage)
	}
	return uc.mutate(ctx, jobID, func(job *model.Job) error {
		switch job.Status {
		case model.JobStatusPending, model.JobStatusRetrying:
			job.Status = model.JobStatusProcessing
			if job.StartedAt == nil {
				now := time.Now().Truncate(time.Microsecond)
				job.StartedAt = &now
			}
		case model.JobStatusProcessing:
			if percentage < job.Progress {
				return errNoop
			}
		default:
			return fmt.Errorf("%w: cannot report progress from %q", domain.ErrInvalidTransition, job.Status)
		}
		job.Progress = percentage
		job.CurrentStage = stage
		job.StageMessage = message
		return nil
	})
}

// Complete stores the result and marks the job completed. Repeating the
// call with an identical result is a successful no-op; a different result
// on a completed job is a conflict.
func (uc *LifecycleUseCase) Complete(ctx context.Context, jobID string, result model.Payload) (*model.Job, error) {
	if err := uc.checkPayload(result); err != nil {
		return nil, err
	}
	return uc.mutate(ctx, jobID, func(job *model.Job) error {
		if job.Status == model.JobStatusCompleted {
			if job.ResultData.Equal(result) {
				return errNoop
			}
			return fmt.Errorf("%w: job %q already completed with different result_data", domain.ErrConflict, job.JobID)
		}
		if !job.Status.CanTransitionTo(model.JobStatusCompleted) {
			return fmt.Errorf("%w: %q -> %q", domain.ErrInvalidTransition, job.Status, model.JobStatusCompleted)
		}
		now := time.Now().Truncate(time.Microsecond)
		job.Status = model.JobStatusCompleted
		job.Progress = 100
		job.ResultData = result
		job.ErrorMessage = ""
		job.CompletedAt = &now
		return nil
	})
}

// Fail marks the job failed, keeping the last known progress and stage for
// diagnostics.
func (uc *LifecycleUseCase) Fail(ctx context.Context, jobID, errorMessage string) (*model.Job, error) {
	return uc.mutate(ctx, jobID, func(job *model.Job) error {
		if !job.Status.CanTransitionTo(model.JobStatusFailed) {
			return fmt.Errorf("%w: %q -> %q", domain.ErrInvalidTransition, job.Status, model.JobStatusFailed)
		}
		now := time.Now().Truncate(time.Microsecond)
		job.Status = model.JobStatusFailed
		job.ErrorMessage = errorMessage
		job.CompletedAt = &now
		return nil
	})
}

// Retry re-queues a failed job: progress reset, error cleared, retry count
// incremented. Exceeding the retry budget leaves the job failed and
// returns ErrRetryLimit.
func (uc *LifecycleUseCase) Retry(ctx context.Context, jobID string) (*model.Job, error) {
	return uc.mutate(ctx, jobID, func(job *model.Job) error {
		if !job.Status.CanTransitionTo(model.JobStatusRetrying) {
			return fmt.Errorf("%w: %q -> %q", domain.ErrInvalidTransition, job.Status, model.JobStatusRetrying)
		}
		if job.RetryCount >= job.MaxRetries {
			return fmt.Errorf("%w: job %q used %d of %d retries", domain.ErrRetryLimit, job.JobID, job.RetryCount, job.MaxRetries)
		}
		// Passes through retrying straight back to pending; the next worker
		// Progress call starts it again.
		job.Status = model.JobStatusPending
		job.RetryCount++
		job.Progress = 0
		job.ErrorMessage = ""
		job.CurrentStage = ""
		job.StageMessage = ""
		job.CompletedAt = nil
		return nil
	})
}

// Cancel marks intent; it does not interrupt a running worker. Workers are
// expected to observe the status at checkpoints and stop.
func (uc *LifecycleUseCase) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	return uc.mutate(ctx, jobID, func(job *model.Job) error {
		if !job.Status.CanTransitionTo(model.JobStatusCancelled) {
			return fmt.Errorf("%w: %q -> %q", domain.ErrInvalidTransition, job.Status, model.JobStatusCancelled)
		}
		now := time.Now().Truncate(time.Microsecond)
		job.Status = model.JobStatusCancelled
		job.CompletedAt = &now
		return nil
	})
}

// mutate runs the read/compare-and-set loop. On a stale write the record is
// re-read and the mutation is re-validated against the current state, so a
// transition that became illegal mid-race surfaces as such rather than
// being applied blindly.
func (uc *LifecycleUseCase) mutate(ctx context.Context, jobID string, mutation repository.JobMutation) (*model.Job, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		job, err := uc.repo.FindByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		updated, err := uc.repo.CompareAndUpdate(ctx, jobID, job.LastUpdated, mutation)
		if err == nil {
			uc.afterWrite(ctx, updated)
			return updated, nil
		}
		if errors.Is(err, errNoop) {
			return job, nil
		}
		if errors.Is(err, domain.ErrStaleWrite) {
			metrics.IncCASConflict()
			metrics.IncCASRetry()
			uc.log.Debug().Str("job_id", jobID).Int("attempt", attempt+1).Msg("stale write, retrying")
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: job_id %q", domain.ErrConcurrentModification, jobID)
}

func (uc *LifecycleUseCase) afterWrite(ctx context.Context, job *model.Job) {
	metrics.IncJobTransition(job.JobType, string(job.Status))
	if uc.cache != nil {
		if err := uc.cache.Invalidate(ctx, job.JobID); err != nil {
			uc.log.Warn().Err(err).Str("job_id", job.JobID).Msg("cache invalidation failed")
		}
	}
	if uc.bc != nil {
		uc.bc.Publish(model.EventFromJob(job))
	}
	uc.log.Debug().
		Str("job_id", job.JobID).
		Str("status", string(job.Status)).
		Int("progress", job.Progress).
		Msg("job updated")
}

func (uc *LifecycleUseCase) checkPayload(p model.Payload) error {
	if uc.maxPayloadBytes > 0 && p.SizeBytes() > uc.maxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", domain.ErrInvalidArgument, uc.maxPayloadBytes)
	}
	return nil
}
