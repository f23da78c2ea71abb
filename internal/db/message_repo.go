package db

import (
	"context"
	"time"

	"occasion/internal/types"
)

// messageColumns is the canonical column list scanned into a ScheduledMessage.
const messageColumns = `id, user_id, occasion_type, occasion_date, scheduled_for,
	idempotency_key, status, retry_count, last_error, created_at, updated_at`

// ScheduledMessageRepository provides data access for the scheduled_messages
// table. Every status write is a guarded conditional UPDATE: the transition
// is applied only when the row's current status matches the expected prior
// status, so concurrent schedulers and workers racing on the same row
// converge without a distributed lock.
type ScheduledMessageRepository struct {
	db DBTX
}

// NewScheduledMessageRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewScheduledMessageRepository(db DBTX) *ScheduledMessageRepository {
	return &ScheduledMessageRepository{db: db}
}

// Insert creates a scheduled message in status 'created'. The insert is
// idempotent: a conflict on the idempotency key uniqueness constraint means
// the occurrence is already scheduled, and Insert reports created=false
// without error. This makes the precalculation job safe to re-run.
//
// SQL: INSERT ... ON CONFLICT (idempotency_key) DO NOTHING
func (r *ScheduledMessageRepository) Insert(ctx context.Context, msg *types.ScheduledMessage) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO scheduled_messages
		 (id, user_id, occasion_type, occasion_date, scheduled_for,
		  idempotency_key, status, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NOW(), NOW())
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		msg.ID,
		msg.UserID,
		string(msg.OccasionType),
		msg.OccasionDate,
		msg.ScheduledFor,
		msg.IdempotencyKey,
		string(types.StatusCreated),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert scheduled message", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByID loads one scheduled message. Returns not_found_message when the
// row does not exist (e.g. deleted by a reschedule while the envelope was
// in flight).
func (r *ScheduledMessageRepository) GetByID(ctx context.Context, id string) (*types.ScheduledMessage, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM scheduled_messages WHERE id = $1`,
		id,
	)

	msg, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "scheduled message not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load scheduled message", err)
	}
	return msg, nil
}

// ListDue returns 'created' rows whose scheduled_for falls at or before the
// cutoff, oldest first. The enqueue job calls this with now+lookahead.
//
// Served by the (status, scheduled_for) index.
func (r *ScheduledMessageRepository) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]types.ScheduledMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM scheduled_messages
		 WHERE status = $1 AND scheduled_for <= $2
		 ORDER BY scheduled_for ASC
		 LIMIT $3`,
		string(types.StatusCreated),
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query due messages", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ListStale returns rows stuck in 'queued' or 'sending' whose updated_at is
// older than the cutoff: a crashed worker, a lost broker message, or a
// failed enqueue publish. The recovery job resets these.
func (r *ScheduledMessageRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]types.ScheduledMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM scheduled_messages
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`,
		[]string{string(types.StatusQueued), string(types.StatusSending)},
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query stale messages", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// Transition applies the guarded state transition from -> to. Returns true
// when the row was in the expected prior status and the transition was
// applied; false when another process got there first (stale-state
// conflict). A missing row also reports false.
//
// SQL: UPDATE ... SET status = $to WHERE id = $id AND status = $from
func (r *ScheduledMessageRepository) Transition(ctx context.Context, id string, from, to types.MessageStatus) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages
		 SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id,
		string(from),
		string(to),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to transition message status", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimSending transitions a row from 'created' or 'queued' into 'sending'.
// This is the delivery worker's claim step: under duplicate queue delivery,
// exactly one worker wins; the losers observe claimed=false and discard
// their copy without a second external send.
func (r *ScheduledMessageRepository) ClaimSending(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages
		 SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)`,
		id,
		string(types.StatusSending),
		[]string{string(types.StatusCreated), string(types.StatusQueued)},
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim message for sending", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSent completes a delivery: sending -> sent. Guarded so a duplicate
// completion attempt after a concurrent recovery is a no-op.
func (r *ScheduledMessageRepository) MarkSent(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages
		 SET status = $2, last_error = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id,
		string(types.StatusSent),
		string(types.StatusSending),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark message sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed terminates a row in 'failed' with a diagnostic reason. Guarded
// against terminal states so a sent row is never demoted.
func (r *ScheduledMessageRepository) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages
		 SET status = $2, last_error = $3, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($4)`,
		id,
		string(types.StatusFailed),
		reason,
		[]string{string(types.StatusCreated), string(types.StatusQueued), string(types.StatusSending)},
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark message failed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReturnForRetry puts a row that failed transiently back into 'queued' with
// an incremented retry count, recording the failure reason. The delayed
// redelivery then brings it back to a worker.
func (r *ScheduledMessageRepository) ReturnForRetry(ctx context.Context, id string, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages
		 SET status = $2, retry_count = retry_count + 1, last_error = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id,
		string(types.StatusQueued),
		reason,
		string(types.StatusSending),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to return message for retry", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Recover resets a stuck row to 'created' with an incremented retry count so
// the enqueue job picks it up again. Guarded on the observed stuck status:
// if the row moved on (the worker finished after all), recovery backs off.
func (r *ScheduledMessageRepository) Recover(ctx context.Context, id string, from types.MessageStatus, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_messages
		 SET status = $2, retry_count = retry_count + 1, last_error = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id,
		string(types.StatusCreated),
		reason,
		string(from),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to recover stuck message", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeletePendingForUser removes all non-terminal rows for one user. The
// reschedule service calls this before re-running precalculation; sent and
// failed rows are historical record and stay untouched.
func (r *ScheduledMessageRepository) DeletePendingForUser(ctx context.Context, userID string) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM scheduled_messages
		 WHERE user_id = $1 AND status = ANY($2)`,
		userID,
		[]string{string(types.StatusCreated), string(types.StatusQueued), string(types.StatusSending)},
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete pending messages for user", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus returns the number of rows per status for the operational
// surface and the queue-depth style gauges.
func (r *ScheduledMessageRepository) CountByStatus(ctx context.Context) (map[types.MessageStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM scheduled_messages GROUP BY status`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count messages by status", err)
	}
	defer rows.Close()

	result := make(map[types.MessageStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan status count", err)
		}
		result[types.MessageStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating status counts", err)
	}
	return result, nil
}
