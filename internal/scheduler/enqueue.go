package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"occasion/internal/types"
)

// EnqueueDB is the store slice the enqueue job needs.
type EnqueueDB interface {
	// ListDue returns 'created' rows with scheduled_for at or before the
	// cutoff, oldest first.
	//
	// SQL: SELECT ... WHERE status = 'created' AND scheduled_for <= $1
	//      ORDER BY scheduled_for LIMIT $2
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]types.ScheduledMessage, error)

	// Transition applies a guarded status transition; false means another
	// process got there first.
	Transition(ctx context.Context, id string, from, to types.MessageStatus) (bool, error)
}

// EnvelopePublisher publishes delivery envelopes with publisher confirms.
type EnvelopePublisher interface {
	PublishDelivery(ctx context.Context, env types.QueueEnvelope) error
	// PublishDelayed holds the envelope at the broker for the given delay
	// before it reaches the work queue.
	PublishDelayed(ctx context.Context, env types.QueueEnvelope, delay time.Duration) error
}

// EnqueueService promotes due rows to the broker: CREATED -> QUEUED under a
// guard, then a confirmed publish. Rows inside the lookahead window but ahead
// of their send instant are published with a broker-side delay so delivery
// never happens early. The transition-then-publish order matters: a publish
// failure leaves a QUEUED row with no broker copy, which the recovery job
// repairs, whereas publishing first could double-send.
type EnqueueService struct {
	db             EnqueueDB
	publisher      EnvelopePublisher
	lookahead      time.Duration
	batchSize      int
	publishRetries int
	logger         *slog.Logger
}

// NewEnqueueService creates an EnqueueService.
func NewEnqueueService(db EnqueueDB, publisher EnvelopePublisher, lookahead time.Duration, batchSize, publishRetries int, logger *slog.Logger) *EnqueueService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnqueueService{
		db:             db,
		publisher:      publisher,
		lookahead:      lookahead,
		batchSize:      batchSize,
		publishRetries: publishRetries,
		logger:         logger,
	}
}

// Run selects rows due within the lookahead window and publishes them.
// Returns the number of envelopes successfully published.
func (s *EnqueueService) Run(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(s.lookahead)

	due, err := s.db.ListDue(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing due messages: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	published := 0
	for i := range due {
		msg := &due[i]

		applied, err := s.db.Transition(ctx, msg.ID, types.StatusCreated, types.StatusQueued)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to transition message to queued",
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		if !applied {
			// Another scheduler instance claimed the row between the list
			// and the transition.
			continue
		}

		env := types.QueueEnvelope{
			MessageID:    msg.ID,
			OccasionType: msg.OccasionType,
			ScheduledFor: msg.ScheduledFor,
			RetryCount:   msg.RetryCount,
		}
		if err := s.publishWithRetry(ctx, env, msg.ScheduledFor.Sub(now)); err != nil {
			// The row stays QUEUED with no broker copy; the recovery job
			// resets it to CREATED once it goes stale.
			s.logger.ErrorContext(ctx, "publish failed after retries, leaving row for recovery",
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		published++
	}

	s.logger.InfoContext(ctx, "enqueue run complete",
		"due", len(due),
		"published", published,
		"cutoff", cutoff.Format(time.RFC3339),
	)
	return published, nil
}

// publishWithRetry attempts the publish up to 1+publishRetries times. A
// positive delay routes through the broker-side delay queue so the envelope
// surfaces at its send instant. These are immediate retries against a flaky
// channel, not the delivery backoff; a broker outage exhausts them quickly
// and defers to recovery.
func (s *EnqueueService) publishWithRetry(ctx context.Context, env types.QueueEnvelope, delay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= s.publishRetries; attempt++ {
		if delay > 0 {
			lastErr = s.publisher.PublishDelayed(ctx, env, delay)
		} else {
			lastErr = s.publisher.PublishDelivery(ctx, env)
		}
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
