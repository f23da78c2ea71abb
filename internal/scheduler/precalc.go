// Package scheduler implements the cron-driven job services of the pipeline:
// daily precalculation, minute enqueue, recovery, and the reschedule service
// triggered by user edits. Every job takes its reference time as an explicit
// parameter so tests never depend on the wall clock, and every job tolerates
// per-item data errors by skipping the item and continuing the batch.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"occasion/internal/occasion"
	"occasion/internal/types"
)

// PrecalcUserSource lists the active users the precalculation walks.
type PrecalcUserSource interface {
	// ListActive returns a page of non-deleted users ordered by id,
	// starting strictly after afterID.
	//
	// SQL: SELECT ... FROM users WHERE deleted_at IS NULL AND id > $1
	//      ORDER BY id LIMIT $2
	ListActive(ctx context.Context, afterID string, limit int) ([]types.User, error)
}

// MessageInserter creates scheduled message rows idempotently.
type MessageInserter interface {
	// Insert creates a row in status 'created'. A conflict on the
	// idempotency key reports created=false without error.
	//
	// SQL: INSERT INTO scheduled_messages ... ON CONFLICT (idempotency_key)
	//      DO NOTHING
	Insert(ctx context.Context, msg *types.ScheduledMessage) (bool, error)
}

// PrecalcService materializes today's occasions into the store. Running it
// twice for the same day is safe: the idempotency key constraint turns the
// second run into a no-op.
type PrecalcService struct {
	users    PrecalcUserSource
	messages MessageInserter
	sendHour int
	pageSize int
	logger   *slog.Logger
}

// NewPrecalcService creates a PrecalcService.
func NewPrecalcService(users PrecalcUserSource, messages MessageInserter, sendHour, pageSize int, logger *slog.Logger) *PrecalcService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrecalcService{
		users:    users,
		messages: messages,
		sendHour: sendHour,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Run walks all active users and creates scheduled messages for every
// occasion that falls on the user's local "today". Data errors (invalid
// timezone, broken dates) skip the single affected user; only store and
// pagination failures abort the run.
//
// Returns the number of rows created.
func (s *PrecalcService) Run(ctx context.Context, now time.Time) (int, error) {
	created := 0
	afterID := ""

	for {
		users, err := s.users.ListActive(ctx, afterID, s.pageSize)
		if err != nil {
			return created, fmt.Errorf("listing active users: %w", err)
		}
		if len(users) == 0 {
			break
		}

		for i := range users {
			user := &users[i]
			n, err := s.ScheduleUser(ctx, user, now)
			if err != nil {
				if types.CodeOf(err) == types.ErrCodeValidationInvalidTimezone {
					s.logger.ErrorContext(ctx, "skipping user with invalid timezone",
						"user_id", user.ID,
						"timezone", user.Timezone,
						"error", err,
					)
					continue
				}
				return created, fmt.Errorf("scheduling user %s: %w", user.ID, err)
			}
			created += n
		}

		afterID = users[len(users)-1].ID
		if len(users) < s.pageSize {
			break
		}
	}

	s.logger.InfoContext(ctx, "precalculation complete",
		"created", created,
		"reference_time", now.Format(time.RFC3339),
	)
	return created, nil
}

// ScheduleUser creates the scheduled messages for one user's occasions
// falling on their local calendar date at the reference time. The reschedule
// service reuses this after wiping a user's pending rows.
//
// Returns the number of rows created (conflicts with already-scheduled
// occurrences count as zero).
func (s *PrecalcService) ScheduleUser(ctx context.Context, user *types.User, now time.Time) (int, error) {
	loc, err := occasion.LoadZone(user.Timezone)
	if err != nil {
		return 0, err
	}
	localDate := occasion.LocalDate(now, loc)

	occasions := []struct {
		ot   types.OccasionType
		date time.Time
	}{
		{types.OccasionBirthday, user.Birthday},
	}
	if user.Anniversary != nil {
		occasions = append(occasions, struct {
			ot   types.OccasionType
			date time.Time
		}{types.OccasionAnniversary, *user.Anniversary})
	}

	created := 0
	for _, occ := range occasions {
		if !occasion.OccursOn(occ.date, localDate) {
			continue
		}

		sendAt, err := occasion.SendTimeUTC(localDate.Year(), localDate.Month(), localDate.Day(), user.Timezone, s.sendHour)
		if err != nil {
			return created, err
		}

		msg := &types.ScheduledMessage{
			ID:             uuid.New().String(),
			UserID:         user.ID,
			OccasionType:   occ.ot,
			OccasionDate:   localDate,
			ScheduledFor:   sendAt,
			IdempotencyKey: occasion.IdempotencyKey(user.ID, occ.ot, localDate),
			Status:         types.StatusCreated,
		}

		inserted, err := s.messages.Insert(ctx, msg)
		if err != nil {
			return created, fmt.Errorf("inserting scheduled message for user %s: %w", user.ID, err)
		}
		if !inserted {
			// Already materialized by an earlier run.
			continue
		}

		s.logger.InfoContext(ctx, "occasion scheduled",
			"message_id", msg.ID,
			"user_id", user.ID,
			"occasion_type", string(occ.ot),
			"scheduled_for", sendAt.Format(time.RFC3339),
		)
		created++
	}
	return created, nil
}
