package db

import (
	"context"
	"time"

	"occasion/internal/types"
)

// ============================================================
// JobLockRepository
// ============================================================

// JobLockRepository provides best-effort singleton execution for scheduler
// jobs via the job_locks table. Locking uses INSERT ... ON CONFLICT DO
// UPDATE to atomically acquire a lock, so only one scheduler instance runs a
// given job per window. The lock is an efficiency measure only: losing it
// skips duplicate work, while correctness always rests on the store's
// uniqueness constraint and guarded transitions.
type JobLockRepository struct {
	db DBTX
}

// NewJobLockRepository creates a new JobLockRepository backed by the given
// database connection (pool or transaction).
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db}
}

// Acquire attempts to insert a lock row. Returns true if acquired, false if
// the lock already exists and has not expired. The lockID is typically
// "job_type:window" (e.g. "daily_precalc:2026-09-01").
//
// If the existing row has expired, the ON CONFLICT UPDATE reclaims it; if it
// is still active, the WHERE clause prevents the update and zero rows are
// affected.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, ownerID string, ttl time.Duration) (bool, error) {
	// expires_at is computed in Go rather than with SQL interval arithmetic
	// because Go duration strings are not valid PG intervals.
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, owner_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET owner_id = EXCLUDED.owner_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		ownerID,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ============================================================
// JobHistoryRepository
// ============================================================

// JobHistoryRepository records scheduled job executions in the job_history
// table for operational visibility: the ops surface reports each job's last
// run time, outcome, item count, and error from here.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a new JobHistoryRepository backed by the
// given database connection (pool or transaction).
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a new job_history row with status 'running' and returns the
// auto-generated ID. The caller later calls Finish with the outcome.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, NOW(), 'running')
		 RETURNING id`,
		jobType,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish updates the job_history row with the final status ('success' or
// 'failed'), item count, and optional error message.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id,
		status,
		items,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

// Latest returns the most recent history entry per job type, for the
// operational status endpoint.
func (r *JobHistoryRepository) Latest(ctx context.Context) ([]types.JobStatus, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (job_type)
		        job_type, started_at, finished_at, status, COALESCE(items_count, 0), error
		 FROM job_history
		 ORDER BY job_type, started_at DESC`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query job history", err)
	}
	defer rows.Close()

	var out []types.JobStatus
	for rows.Next() {
		var js types.JobStatus
		if err := rows.Scan(&js.JobType, &js.LastRunAt, &js.FinishedAt, &js.Status, &js.ItemsCount, &js.LastError); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job history entry", err)
		}
		out = append(out, js)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job history", err)
	}
	return out, nil
}
