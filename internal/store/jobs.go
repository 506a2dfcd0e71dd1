// ABOUTME: Store methods for the research_jobs queue: atomic claim, finalize,
// ABOUTME: stale reclaim, exhaustion sweep, and the collaborator-facing CRUD.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Status is the lifecycle state of a job. completed and failed are terminal.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TriggerSource classifies why a row exists. Only user and retry rows are
// eligible for autonomous pickup; system rows share the table but must never
// be auto-processed.
type TriggerSource string

const (
	TriggerUser   TriggerSource = "user"
	TriggerRetry  TriggerSource = "retry"
	TriggerSystem TriggerSource = "system"
)

// ErrNotProcessing is returned by the finalize operations when the row is no
// longer in processing state — typically because the reaper reclaimed it
// after the staleness timeout. The caller must not assume its outcome was
// recorded.
var ErrNotProcessing = errors.New("job is not in processing state")

// Job is a research_jobs row.
type Job struct {
	ID            int64
	Task          string
	Depth         string
	PaperURL      *string
	WorkspaceID   *uuid.UUID
	Status        Status
	TriggerSource TriggerSource
	RetryCount    int
	Result        json.RawMessage
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

const jobColumns = `id, task, depth, paper_url, workspace_id, status, trigger_source,
	retry_count, result, last_error, created_at, updated_at, started_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Task, &j.Depth, &j.PaperURL, &j.WorkspaceID,
		&j.Status, &j.TriggerSource, &j.RetryCount, &j.Result, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// claimNextSQL atomically claims the oldest eligible queued row. The inner
// SELECT uses FOR UPDATE SKIP LOCKED so concurrent claimants bypass rows
// already locked by an in-flight claim instead of blocking or double-claiming;
// the whole statement is one transaction, so the row is marked processing
// before anyone else can see it as queued. No lock is held after commit — the
// research call runs with the row merely flagged processing.
const claimNextSQL = `
UPDATE research_jobs
SET status = 'processing', started_at = now(), updated_at = now()
WHERE id = (
    SELECT id
    FROM research_jobs
    WHERE status = 'queued'
      AND trigger_source IN ('user', 'retry')
    ORDER BY created_at, id
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + jobColumns

// ClaimNext claims the oldest eligible queued job, marking it processing with
// started_at = now. Returns (nil, nil) when no eligible row exists. Safe for
// any number of concurrent claimants: at most one caller obtains a given row.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, claimNextSQL))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return j, nil
}

// FinalizeSuccess marks a processing job completed and stores the engine's
// response body verbatim as its result. Returns ErrNotProcessing if the row
// left processing in the meantime (reclaimed by the reaper).
func (s *Store) FinalizeSuccess(ctx context.Context, id int64, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE research_jobs
		SET status = 'completed', result = $2, last_error = NULL,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, result,
	)
	if err != nil {
		return fmt.Errorf("finalize success %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize success %d: %w", id, ErrNotProcessing)
	}
	return nil
}

// FinalizeRetry moves a processing job back to queued with trigger_source
// retry and retry_count incremented by one. created_at is untouched so the
// row re-enters the FIFO at its original submission position. Returns
// ErrNotProcessing if the row left processing in the meantime.
func (s *Store) FinalizeRetry(ctx context.Context, id int64, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE research_jobs
		SET status = 'queued', trigger_source = 'retry',
		    retry_count = retry_count + 1, last_error = $2,
		    started_at = NULL, completed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, lastError,
	)
	if err != nil {
		return fmt.Errorf("finalize retry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize retry %d: %w", id, ErrNotProcessing)
	}
	return nil
}

// FinalizeTerminalFailure marks a processing job permanently failed, storing
// the structured error payload as its result. Returns ErrNotProcessing if the
// row left processing in the meantime.
func (s *Store) FinalizeTerminalFailure(ctx context.Context, id int64, result json.RawMessage, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE research_jobs
		SET status = 'failed', result = $2, last_error = $3,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, result, lastError,
	)
	if err != nil {
		return fmt.Errorf("finalize terminal failure %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize terminal failure %d: %w", id, ErrNotProcessing)
	}
	return nil
}

// ReclaimStale re-queues every eligible processing row whose claimant has been
// silent longer than timeout, incrementing retry_count once per reclaim. Rows
// already at maxRetries are left for FailExhausted; system rows are never
// touched. Returns the reclaimed ids for logging.
func (s *Store) ReclaimStale(ctx context.Context, timeout time.Duration, maxRetries int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE research_jobs
		SET status = 'queued', trigger_source = 'retry',
		    retry_count = retry_count + 1,
		    last_error = 'claimant timed out',
		    started_at = NULL, completed_at = NULL, updated_at = now()
		WHERE status = 'processing'
		  AND trigger_source IN ('user', 'retry')
		  AND coalesce(started_at, updated_at) < now() - ($1 * interval '1 second')
		  AND retry_count < $2
		RETURNING id`,
		int64(timeout.Seconds()), maxRetries,
	)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return ids, nil
}

// FailExhausted terminally fails every queued row that has reached the retry
// limit — typically rows bumped to the limit by ReclaimStale that never got
// claimed again. retry_count on a queued row already counts every failed
// attempt, so it is reported as attempts unchanged. Returns the number of
// rows failed.
func (s *Store) FailExhausted(ctx context.Context, maxRetries int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE research_jobs
		SET status = 'failed',
		    result = jsonb_build_object(
		        'error', 'max retries exceeded',
		        'attempts', retry_count),
		    last_error = 'max retries exceeded',
		    completed_at = now(), updated_at = now()
		WHERE status = 'queued'
		  AND trigger_source IN ('user', 'retry')
		  AND retry_count >= $1`,
		maxRetries,
	)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Collaborator surface ──────────────────────────────────────────────────────

// CreateJobParams holds the fields for submitting a new research job.
type CreateJobParams struct {
	Task        string
	Depth       string
	PaperURL    *string
	WorkspaceID *uuid.UUID
}

// CreateJob inserts a new queued job with trigger_source user. The insert
// trigger fires pg_notify, so the dispatcher wakes without any further call.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (*Job, error) {
	depth := p.Depth
	if depth == "" {
		depth = "deep"
	}
	j, err := scanJob(s.pool.QueryRow(ctx, `
		INSERT INTO research_jobs (task, depth, paper_url, workspace_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+jobColumns,
		p.Task, depth, p.PaperURL, p.WorkspaceID,
	))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// GetJob returns the job with the given id, or nil if not found.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM research_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// ListJobsParams are the optional filters for ListJobs. Keyset pagination on
// (created_at DESC, id DESC): pass the last row's values as the cursor.
type ListJobsParams struct {
	Status     *Status
	CursorTime *time.Time
	CursorID   *int64
	Limit      int
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, p ListJobsParams) ([]Job, error) {
	if p.Limit <= 0 {
		p.Limit = 25
	}
	qb := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select("id", "task", "depth", "paper_url", "workspace_id", "status",
			"trigger_source", "retry_count", "result", "last_error",
			"created_at", "updated_at", "started_at", "completed_at").
		From("research_jobs").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(p.Limit))
	if p.Status != nil {
		qb = qb.Where(sq.Eq{"status": *p.Status})
	}
	if p.CursorTime != nil && p.CursorID != nil {
		qb = qb.Where(sq.Expr("(created_at, id) < (?, ?)", *p.CursorTime, *p.CursorID))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// RenameJob updates the task text of a job. Returns nil if not found.
func (s *Store) RenameJob(ctx context.Context, id int64, task string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE research_jobs SET task = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, task,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rename job %d: %w", id, err)
	}
	return j, nil
}

// DeleteJob removes a job row. Deletion is a collaborator concern — the queue
// core never deletes. Reports whether a row was deleted.
func (s *Store) DeleteJob(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM research_jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete job %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountJobsByStatus returns the number of jobs in each status. Used by the
// queue-depth stats endpoint.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM research_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count jobs by status: scan: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	return counts, nil
}
