//go:build !integration

package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pkm-jobs/internal/domain"
	"pkm-jobs/internal/domain/model"
	"pkm-jobs/internal/infra/db/memory"
	"pkm-jobs/internal/infra/worker"
	"pkm-jobs/internal/usecase"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

type fixture struct {
	repo        *memory.JobRepo
	lifecycle   *usecase.LifecycleUseCase
	coordinator *RetryCoordinator
}

// newFixture wires a coordinator with millisecond backoff so scheduled
// retries fire within the test.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.NewJobRepo()
	lifecycle := usecase.NewLifecycleUseCase(repo, nil, nil, 3, 1<<20, testLogger())

	pool := worker.NewPool(2, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	c := NewRetryCoordinator(lifecycle, pool, 10*time.Millisecond, 100*time.Millisecond, testLogger())
	t.Cleanup(c.Stop)
	return &fixture{repo: repo, lifecycle: lifecycle, coordinator: c}
}

func (f *fixture) startJob(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.lifecycle.Create(ctx, id, "crawl", nil, "", nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := f.lifecycle.Progress(ctx, id, 10, "", ""); err != nil {
		t.Fatalf("progress failed: %v", err)
	}
}

func (f *fixture) waitForStatus(t *testing.T, id string, want model.JobStatus) *model.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.repo.FindByID(context.Background(), id)
		if err != nil {
			t.Fatalf("find failed: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := f.repo.FindByID(context.Background(), id)
	t.Fatalf("job %q never reached %q, stuck at %q", id, want, job.Status)
	return nil
}

func TestBackoffDelay(t *testing.T) {
	base, max := 5*time.Second, 5*time.Minute
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{6, 5 * time.Minute}, // 320s capped at the max
		{40, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := BackoffDelay(base, max, tc.retryCount); got != tc.want {
			t.Errorf("BackoffDelay(retryCount=%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func TestRetryCoordinator_Fail(t *testing.T) {
	t.Run("should schedule an automatic retry for a retryable failure", func(t *testing.T) {
		f := newFixture(t)
		f.startJob(t, "j1")

		job, err := f.coordinator.Fail(context.Background(), "j1", "connection reset", true)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if job.Status != model.JobStatusFailed {
			t.Fatalf("unexpected status %q", job.Status)
		}

		requeued := f.waitForStatus(t, "j1", model.JobStatusPending)
		if requeued.RetryCount != 1 {
			t.Errorf("expected retry_count 1 after the scheduled retry, got %d", requeued.RetryCount)
		}
	})

	t.Run("should not schedule a retry for a non-retryable failure", func(t *testing.T) {
		f := newFixture(t)
		f.startJob(t, "j1")

		if _, err := f.coordinator.Fail(context.Background(), "j1", "bad input", false); err != nil {
			t.Fatalf("fail failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		job, _ := f.repo.FindByID(context.Background(), "j1")
		if job.Status != model.JobStatusFailed {
			t.Errorf("a non-retryable failure must stay failed, got %q", job.Status)
		}
	})

	t.Run("should not schedule past the retry budget", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.startJob(t, "j1")

		// Burn the budget with manual retries.
		for i := 0; i < 3; i++ {
			if _, err := f.coordinator.Fail(ctx, "j1", "boom", false); err != nil {
				t.Fatalf("fail %d failed: %v", i, err)
			}
			if _, err := f.coordinator.Retry(ctx, "j1"); err != nil {
				t.Fatalf("retry %d failed: %v", i, err)
			}
			if _, err := f.lifecycle.Progress(ctx, "j1", 10, "", ""); err != nil {
				t.Fatalf("progress %d failed: %v", i, err)
			}
		}
		if _, err := f.coordinator.Fail(ctx, "j1", "boom", true); err != nil {
			t.Fatalf("final fail failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		job, _ := f.repo.FindByID(ctx, "j1")
		if job.Status != model.JobStatusFailed {
			t.Errorf("an exhausted job must not be retried automatically, got %q", job.Status)
		}
	})
}

func TestRetryCoordinator_SaturatedPool(t *testing.T) {
	t.Run("should keep the retry alive when the worker queue is full", func(t *testing.T) {
		repo := memory.NewJobRepo()
		lifecycle := usecase.NewLifecycleUseCase(repo, nil, nil, 3, 1<<20, testLogger())

		// Not started yet: the queue (capacity 4) fills up and Submit fails.
		pool := worker.NewPool(1, testLogger())
		for i := 0; i < 4; i++ {
			if err := pool.Submit(func(ctx context.Context) error { return nil }); err != nil {
				t.Fatalf("filling the queue failed: %v", err)
			}
		}

		c := NewRetryCoordinator(lifecycle, pool, 10*time.Millisecond, 100*time.Millisecond, testLogger())
		t.Cleanup(c.Stop)

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(func() {
			cancel()
			pool.Stop()
		})

		if _, err := lifecycle.Create(ctx, "j1", "crawl", nil, "", nil); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if _, err := lifecycle.Progress(ctx, "j1", 10, "", ""); err != nil {
			t.Fatalf("progress failed: %v", err)
		}
		if _, err := c.Fail(ctx, "j1", "boom", true); err != nil {
			t.Fatalf("fail failed: %v", err)
		}

		// Let the first fire hit the full queue and defer itself.
		time.Sleep(30 * time.Millisecond)
		job, _ := repo.FindByID(ctx, "j1")
		if job.Status != model.JobStatusFailed {
			t.Fatalf("retry should still be deferred, got %q", job.Status)
		}

		// Once workers drain the queue, the deferred retry must land.
		pool.Start(ctx)
		f := &fixture{repo: repo, lifecycle: lifecycle, coordinator: c}
		requeued := f.waitForStatus(t, "j1", model.JobStatusPending)
		if requeued.RetryCount != 1 {
			t.Errorf("expected retry_count 1, got %d", requeued.RetryCount)
		}
	})
}

func TestRetryCoordinator_Cancel(t *testing.T) {
	t.Run("should abort a pending scheduled retry", func(t *testing.T) {
		repo := memory.NewJobRepo()
		lifecycle := usecase.NewLifecycleUseCase(repo, nil, nil, 3, 1<<20, testLogger())
		pool := worker.NewPool(2, testLogger())
		ctx, cancel := context.WithCancel(context.Background())
		pool.Start(ctx)
		t.Cleanup(func() {
			cancel()
			pool.Stop()
		})
		// Long backoff: the timer must still be pending when Cancel runs.
		c := NewRetryCoordinator(lifecycle, pool, time.Minute, time.Hour, testLogger())
		t.Cleanup(c.Stop)

		if _, err := lifecycle.Create(ctx, "j1", "crawl", nil, "", nil); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if _, err := lifecycle.Progress(ctx, "j1", 10, "", ""); err != nil {
			t.Fatalf("progress failed: %v", err)
		}
		if _, err := c.Fail(ctx, "j1", "boom", true); err != nil {
			t.Fatalf("fail failed: %v", err)
		}

		job, err := c.Cancel(ctx, "j1")
		if err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		if job.Status != model.JobStatusCancelled {
			t.Fatalf("unexpected status %q", job.Status)
		}
		c.mu.Lock()
		pending := len(c.timers)
		c.mu.Unlock()
		if pending != 0 {
			t.Errorf("cancel must drop the scheduled retry, %d timers remain", pending)
		}
	})

	t.Run("should surface lifecycle errors", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coordinator.Cancel(context.Background(), "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRetryCoordinator_ManualRetry(t *testing.T) {
	t.Run("should requeue immediately without backoff", func(t *testing.T) {
		repo := memory.NewJobRepo()
		lifecycle := usecase.NewLifecycleUseCase(repo, nil, nil, 3, 1<<20, testLogger())
		pool := worker.NewPool(2, testLogger())
		ctx, cancel := context.WithCancel(context.Background())
		pool.Start(ctx)
		t.Cleanup(func() {
			cancel()
			pool.Stop()
		})
		c := NewRetryCoordinator(lifecycle, pool, time.Minute, time.Hour, testLogger())
		t.Cleanup(c.Stop)

		if _, err := lifecycle.Create(ctx, "j1", "crawl", nil, "", nil); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if _, err := lifecycle.Progress(ctx, "j1", 10, "", ""); err != nil {
			t.Fatalf("progress failed: %v", err)
		}
		if _, err := c.Fail(ctx, "j1", "boom", true); err != nil {
			t.Fatalf("fail failed: %v", err)
		}

		job, err := c.Retry(ctx, "j1")
		if err != nil {
			t.Fatalf("manual retry failed: %v", err)
		}
		if job.Status != model.JobStatusPending || job.RetryCount != 1 {
			t.Errorf("unexpected job after manual retry: %+v", job)
		}
		c.mu.Lock()
		pending := len(c.timers)
		c.mu.Unlock()
		if pending != 0 {
			t.Errorf("manual retry must replace the scheduled one, %d timers remain", pending)
		}
	})

	t.Run("should pass the budget error through", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.startJob(t, "j1")
		for i := 0; i < 3; i++ {
			if _, err := f.coordinator.Fail(ctx, "j1", "boom", false); err != nil {
				t.Fatalf("fail %d failed: %v", i, err)
			}
			if _, err := f.coordinator.Retry(ctx, "j1"); err != nil {
				t.Fatalf("retry %d failed: %v", i, err)
			}
			if _, err := f.lifecycle.Progress(ctx, "j1", 10, "", ""); err != nil {
				t.Fatalf("progress %d failed: %v", i, err)
			}
		}
		if _, err := f.coordinator.Fail(ctx, "j1", "boom", false); err != nil {
			t.Fatalf("final fail failed: %v", err)
		}
		if _, err := f.coordinator.Retry(ctx, "j1"); !errors.Is(err, domain.ErrRetryLimit) {
			t.Errorf("expected ErrRetryLimit, got %v", err)
		}
	})
}
