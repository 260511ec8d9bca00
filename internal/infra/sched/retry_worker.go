package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pkm-jobs/internal/domain"
	"pkm-jobs/internal/domain/model"
	"pkm-jobs/internal/infra/metrics"
	"pkm-jobs/internal/infra/worker"
	"pkm-jobs/internal/usecase"
)

// RetryCoordinator is the policy layer above the lifecycle use case. Manual
// retries go straight through; failures a worker flags as retryable get an
// automatic retry scheduled with exponential backoff. Scheduled retries are
// aborted when the job is cancelled in the meantime.
type RetryCoordinator struct {
	lifecycle *usecase.LifecycleUseCase
	pool      *worker.Pool
	baseDelay time.Duration
	maxDelay  time.Duration
	log       *zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewRetryCoordinator(
	lifecycle *usecase.LifecycleUseCase,
	pool *worker.Pool,
	baseDelay, maxDelay time.Duration,
	logger *zerolog.Logger,
) *RetryCoordinator {
	rcLog := logger.With().Str("component", "RetryCoordinator").Logger()
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	return &RetryCoordinator{
		lifecycle: lifecycle,
		pool:      pool,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		log:       &rcLog,
		timers:    make(map[string]*time.Timer),
	}
}

// Fail records the failure through the lifecycle manager. When the worker
// flagged it retryable and retry budget remains, an automatic retry is
// scheduled.
func (c *RetryCoordinator) Fail(ctx context.Context, jobID, errorMessage string, retryable bool) (*model.Job, error) {
	job, err := c.lifecycle.Fail(ctx, jobID, errorMessage)
	if err != nil {
		return nil, err
	}
	if retryable && job.RetryCount < job.MaxRetries {
		c.schedule(job)
	}
	return job, nil
}

// Retry is the manual path: no backoff, still subject to the retry budget
// enforced by the lifecycle manager.
func (c *RetryCoordinator) Retry(ctx context.Context, jobID string) (*model.Job, error) {
	c.abort(jobID)
	return c.lifecycle.Retry(ctx, jobID)
}

// Cancel aborts any pending scheduled retry before marking the job
// cancelled, so no Start can happen afterwards.
func (c *RetryCoordinator) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	if c.abort(jobID) {
		metrics.IncRetryScheduled("aborted")
	}
	return c.lifecycle.Cancel(ctx, jobID)
}

// BackoffDelay returns base * 2^retryCount capped at max.
func BackoffDelay(base, max time.Duration, retryCount int) time.Duration {
	d := base
	for i := 0; i < retryCount && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

func (c *RetryCoordinator) schedule(job *model.Job) {
	delay := BackoffDelay(c.baseDelay, c.maxDelay, job.RetryCount)

	c.mu.Lock()
	if old, ok := c.timers[job.JobID]; ok {
		old.Stop()
	}
	c.timers[job.JobID] = time.AfterFunc(delay, func() { c.fire(job.JobID) })
	c.mu.Unlock()

	metrics.IncRetryScheduled("scheduled")
	c.log.Info().
		Str("job_id", job.JobID).
		Dur("delay", delay).
		Int("retry_count", job.RetryCount).
		Msg("automatic retry scheduled")
}

func (c *RetryCoordinator) fire(jobID string) {
	c.mu.Lock()
	delete(c.timers, jobID)
	c.mu.Unlock()

	task := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		_, err := c.lifecycle.Retry(ctx, jobID)
		switch {
		case err == nil:
			metrics.IncRetryScheduled("fired")
			c.log.Info().Str("job_id", jobID).Msg("automatic retry fired")
		case errors.Is(err, domain.ErrInvalidTransition):
			// Job moved on (cancelled or already retried) while the timer
			// was pending; nothing to do.
			c.log.Debug().Err(err).Str("job_id", jobID).Msg("scheduled retry skipped")
		default:
			c.log.Error().Err(err).Str("job_id", jobID).Msg("scheduled retry failed")
		}
		return nil
	}
	if err := c.pool.Submit(task); err != nil {
		// The queue is saturated; re-arm rather than lose the retry. The
		// re-armed timer goes back into the map so Cancel can still abort it.
		c.log.Warn().Err(err).Str("job_id", jobID).Msg("worker queue full, scheduled retry deferred")
		c.mu.Lock()
		c.timers[jobID] = time.AfterFunc(c.baseDelay, func() { c.fire(jobID) })
		c.mu.Unlock()
	}
}

// abort stops a pending scheduled retry. Reports whether one existed.
func (c *RetryCoordinator) abort(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timers[jobID]
	if !ok {
		return false
	}
	t.Stop()
	delete(c.timers, jobID)
	return ok
}

// Stop aborts all pending scheduled retries; used on shutdown.
func (c *RetryCoordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
