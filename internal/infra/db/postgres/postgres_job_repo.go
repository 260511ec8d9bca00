package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"pkm-jobs/internal/domain"
	"pkm-jobs/internal/domain/model"
	"pkm-jobs/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *jobRepo {
	return &jobRepo{pool: pool, tm: tm}
}

const jobColumns = `job_id, job_type, status, progress_percentage, current_stage, stage_message,
error_message, input_data, result_data, item_id, retry_count, max_retries, tags,
created_at, started_at, completed_at, last_updated`

func (r *jobRepo) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	const q = `
INSERT INTO processing_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (job_id) DO NOTHING;`

	tag, err := execSQL(ctx, r.pool, nil, q,
		job.JobID, job.JobType, job.Status, job.Progress,
		nullStr(job.CurrentStage), nullStr(job.StageMessage), nullStr(job.ErrorMessage),
		payloadJSON(job.InputData), payloadJSONOrNull(job.ResultData), nullStr(job.ItemID),
		job.RetryCount, job.MaxRetries, job.Tags,
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.LastUpdated)
	if err != nil {
		return nil, asStorageErr(err)
	}

	existing, err := r.FindByID(ctx, job.JobID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 && !existing.CompatibleWith(job) {
		return nil, fmt.Errorf("%w: job_id %q", domain.ErrConflict, job.JobID)
	}
	return existing, nil
}

func (r *jobRepo) FindByID(ctx context.Context, jobID string) (*model.Job, error) {
	row, err := pickRow(ctx, r.pool, nil,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE job_id = $1;`, jobID)
	if err != nil {
		return nil, asStorageErr(err)
	}
	return scanJob(row)
}

func (r *jobRepo) CompareAndUpdate(ctx context.Context, jobID string, expected time.Time, mutate repository.JobMutation) (*model.Job, error) {
	var updated *model.Job
	var mutErr error
	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		row, err := pickRow(ctx, r.pool, tx,
			`SELECT `+jobColumns+` FROM processing_jobs WHERE job_id = $1 FOR UPDATE;`, jobID)
		if err != nil {
			return err
		}
		job, err := scanJob(row)
		if err != nil {
			return err
		}
		if !job.LastUpdated.Equal(expected) {
			return fmt.Errorf("%w: job_id %q", domain.ErrStaleWrite, jobID)
		}

		cp := job.Clone()
		if err := mutate(cp); err != nil {
			mutErr = err
			return err
		}
		// Immutable fields cannot be touched by a mutation.
		cp.JobID, cp.JobType, cp.CreatedAt = job.JobID, job.JobType, job.CreatedAt
		cp.LastUpdated = model.NextUpdateTime(job.LastUpdated)

		const upd = `
UPDATE processing_jobs SET
  status = $2, progress_percentage = $3, current_stage = $4, stage_message = $5,
  error_message = $6, input_data = $7, result_data = $8, item_id = $9,
  retry_count = $10, max_retries = $11, tags = $12,
  started_at = $13, completed_at = $14, last_updated = $15
WHERE job_id = $1;`
		if _, err := execSQL(ctx, r.pool, tx, upd,
			cp.JobID, cp.Status, cp.Progress,
			nullStr(cp.CurrentStage), nullStr(cp.StageMessage), nullStr(cp.ErrorMessage),
			payloadJSON(cp.InputData), payloadJSONOrNull(cp.ResultData), nullStr(cp.ItemID),
			cp.RetryCount, cp.MaxRetries, cp.Tags,
			cp.StartedAt, cp.CompletedAt, cp.LastUpdated); err != nil {
			return err
		}
		updated = cp
		return nil
	})
	if err != nil {
		// Mutation errors belong to the caller and are passed through as-is.
		if mutErr != nil && errors.Is(err, mutErr) {
			return nil, err
		}
		return nil, asStorageErr(err)
	}
	return updated, nil
}

func (r *jobRepo) List(ctx context.Context, filter repository.JobFilter, limit, offset int) ([]*model.Job, int, error) {
	if limit <= 0 || limit > repository.MaxListLimit {
		limit = repository.MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.JobType != "" {
		add("job_type = $%d", filter.JobType)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.ItemID != "" {
		add("item_id = $%d", filter.ItemID)
	}
	if filter.Tag != "" {
		add("$%d = ANY(tags)", filter.Tag)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countRow, err := pickRow(ctx, r.pool, nil,
		`SELECT COUNT(*) FROM processing_jobs `+whereSQL+`;`, args...)
	if err != nil {
		return nil, 0, asStorageErr(err)
	}
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, asStorageErr(err)
	}

	pageArgs := append(args, limit, offset)
	q := fmt.Sprintf(`SELECT `+jobColumns+` FROM processing_jobs %s
ORDER BY created_at DESC, job_id
LIMIT $%d OFFSET $%d;`, whereSQL, len(args)+1, len(args)+2)

	rows, err := pickRows(ctx, r.pool, nil, q, pageArgs...)
	if err != nil {
		return nil, 0, asStorageErr(err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, asStorageErr(err)
	}
	return jobs, total, nil
}

func (r *jobRepo) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := pickRows(ctx, r.pool, nil,
		`SELECT status, COUNT(*) FROM processing_jobs GROUP BY status;`)
	if err != nil {
		return nil, asStorageErr(err)
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, asStorageErr(err)
		}
		counts[model.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, asStorageErr(err)
	}
	return counts, nil
}

// scanJob works for both pgx.Row and pgx.Rows.
func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var stage, msg, errMsg, itemID *string
	var inputRaw, resultRaw []byte
	err := row.Scan(
		&j.JobID, &j.JobType, &j.Status, &j.Progress, &stage, &msg,
		&errMsg, &inputRaw, &resultRaw, &itemID, &j.RetryCount, &j.MaxRetries, &j.Tags,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, asStorageErr(err)
	}
	j.CurrentStage = deref(stage)
	j.StageMessage = deref(msg)
	j.ErrorMessage = deref(errMsg)
	j.ItemID = deref(itemID)
	if len(inputRaw) > 0 {
		if err := json.Unmarshal(inputRaw, &j.InputData); err != nil {
			return nil, asStorageErr(err)
		}
	}
	if len(resultRaw) > 0 {
		if err := json.Unmarshal(resultRaw, &j.ResultData); err != nil {
			return nil, asStorageErr(err)
		}
	}
	return &j, nil
}

func payloadJSON(p model.Payload) []byte {
	if len(p) == 0 {
		return []byte(`{}`)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

func payloadJSONOrNull(p model.Payload) interface{} {
	if p == nil {
		return nil
	}
	return payloadJSON(p)
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// asStorageErr keeps domain errors intact and folds everything else into
// ErrStorageUnavailable so callers can tell "try again" from "fix your call".
func asStorageErr(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		domain.ErrNotFound, domain.ErrConflict, domain.ErrStaleWrite,
		domain.ErrInvalidTransition, domain.ErrInvalidArgument,
		domain.ErrRetryLimit, domain.ErrInvalidExecContext,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}
