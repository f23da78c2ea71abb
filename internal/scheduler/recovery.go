package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"occasion/internal/types"
)

// RecoveryDB is the store slice the recovery job needs.
type RecoveryDB interface {
	// ListStale returns rows stuck in 'queued' or 'sending' with updated_at
	// older than the cutoff.
	//
	// SQL: SELECT ... WHERE status IN ('queued','sending') AND updated_at < $1
	//      ORDER BY updated_at LIMIT $2
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]types.ScheduledMessage, error)

	// Recover resets a stuck row to 'created' with retry_count + 1, guarded
	// on the observed stuck status.
	Recover(ctx context.Context, id string, from types.MessageStatus, reason string) (bool, error)

	// MarkFailed terminates a row in 'failed' with a diagnostic reason.
	MarkFailed(ctx context.Context, id string, reason string) (bool, error)
}

// RecoveryService reconciles rows left mid-flight by a crashed worker, a
// lost broker message, or an enqueue publish that failed after the QUEUED
// transition. Stale rows under the retry limit go back to CREATED for
// re-enqueue; rows at the limit are failed for manual review.
type RecoveryService struct {
	db             RecoveryDB
	staleThreshold time.Duration
	maxRetries     int
	batchSize      int
	logger         *slog.Logger
}

// NewRecoveryService creates a RecoveryService.
func NewRecoveryService(db RecoveryDB, staleThreshold time.Duration, maxRetries, batchSize int, logger *slog.Logger) *RecoveryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryService{
		db:             db,
		staleThreshold: staleThreshold,
		maxRetries:     maxRetries,
		batchSize:      batchSize,
		logger:         logger,
	}
}

// Run processes one batch of stale rows. Returns the number of rows it
// acted on (recovered plus failed).
func (s *RecoveryService) Run(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.staleThreshold)

	stale, err := s.db.ListStale(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing stale messages: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	recovered, failed := 0, 0
	for i := range stale {
		msg := &stale[i]

		if msg.RetryCount >= s.maxRetries {
			reason := fmt.Sprintf("retries exhausted after %d attempts, last stuck in %s", msg.RetryCount, msg.Status)
			applied, err := s.db.MarkFailed(ctx, msg.ID, reason)
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to mark stale message failed",
					"message_id", msg.ID,
					"error", err,
				)
				continue
			}
			if applied {
				s.logger.WarnContext(ctx, "stale message failed permanently",
					"message_id", msg.ID,
					"retry_count", msg.RetryCount,
				)
				failed++
			}
			continue
		}

		reason := fmt.Sprintf("recovered from stale %s", msg.Status)
		applied, err := s.db.Recover(ctx, msg.ID, msg.Status, reason)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to recover stale message",
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		if !applied {
			// The row moved on between the list and the reset: the worker
			// finished after all, or another recovery instance won.
			continue
		}

		s.logger.InfoContext(ctx, "stale message recovered",
			"message_id", msg.ID,
			"stuck_status", string(msg.Status),
			"retry_count", msg.RetryCount+1,
		)
		recovered++
	}

	s.logger.InfoContext(ctx, "recovery run complete",
		"stale", len(stale),
		"recovered", recovered,
		"failed", failed,
	)
	return recovered + failed, nil
}
