package db

import (
	"errors"

	"github.com/jackc/pgx/v5"

	"occasion/internal/types"
)

// rowScanner is the subset of pgx.Row/pgx.Rows used by the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanMessage reads one scheduled_messages row in messageColumns order.
func scanMessage(row rowScanner) (*types.ScheduledMessage, error) {
	var (
		msg          types.ScheduledMessage
		occasionType string
		status       string
	)
	if err := row.Scan(
		&msg.ID,
		&msg.UserID,
		&occasionType,
		&msg.OccasionDate,
		&msg.ScheduledFor,
		&msg.IdempotencyKey,
		&status,
		&msg.RetryCount,
		&msg.LastError,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	msg.OccasionType = types.OccasionType(occasionType)
	msg.Status = types.MessageStatus(status)
	return &msg, nil
}

// collectMessages drains a result set into a slice.
func collectMessages(rows pgx.Rows) ([]types.ScheduledMessage, error) {
	var out []types.ScheduledMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan scheduled message", err)
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating scheduled messages", err)
	}
	return out, nil
}

// isNoRows reports whether err is the pgx empty-result sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
