package usecase

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"pkm-jobs/internal/domain"
	"pkm-jobs/internal/domain/model"
	"pkm-jobs/internal/domain/ports/repository"
)

// QueryUseCase is the read side: single-job lookup (through the optional
// snapshot cache), filtered paginated listing, and queue stats. No business
// logic beyond pagination bounds and the fixed sort order.
type QueryUseCase struct {
	repo  repository.JobRepository
	cache JobStatusCache
	log   *zerolog.Logger
}

func NewQueryUseCase(repo repository.JobRepository, cache JobStatusCache, logger *zerolog.Logger) *QueryUseCase {
	qLog := logger.With().Str("component", "QueryUseCase").Logger()
	return &QueryUseCase{repo: repo, cache: cache, log: &qLog}
}

// GetStatus returns the full job record.
func (uc *QueryUseCase) GetStatus(ctx context.Context, jobID string) (*model.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job_id is required", domain.ErrInvalidArgument)
	}
	if uc.cache != nil {
		if job, err := uc.cache.Get(ctx, jobID); err == nil && job != nil {
			return job, nil
		}
	}
	job, err := uc.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if uc.cache != nil {
		if err := uc.cache.Store(ctx, job); err != nil {
			uc.log.Warn().Err(err).Str("job_id", jobID).Msg("status cache store failed")
		}
	}
	return job, nil
}

// ListJobs returns a page of jobs newest-first plus the total match count.
func (uc *QueryUseCase) ListJobs(ctx context.Context, filter repository.JobFilter, limit, offset int) ([]*model.Job, int, error) {
	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, filter.Status)
	}
	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: offset must be >= 0", domain.ErrInvalidArgument)
	}
	return uc.repo.List(ctx, filter, limit, offset)
}

// QueueStats returns job counts grouped by status.
func (uc *QueryUseCase) QueueStats(ctx context.Context) (map[model.JobStatus]int, error) {
	return uc.repo.CountByStatus(ctx)
}

func validStatus(s model.JobStatus) bool {
	switch s {
	case model.JobStatusPending, model.JobStatusProcessing, model.JobStatusCompleted,
		model.JobStatusFailed, model.JobStatusRetrying, model.JobStatusCancelled:
		return true
	}
	return false
}
