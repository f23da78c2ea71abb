package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"occasion/internal/types"
)

// RescheduleUserSource loads the single user being rescheduled.
type RescheduleUserSource interface {
	// GetByID loads one user, including soft-deleted ones.
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// PendingDeleter wipes a user's non-terminal scheduled messages.
type PendingDeleter interface {
	// DeletePendingForUser removes rows in 'created', 'queued', or
	// 'sending' for one user. Terminal rows are historical record and are
	// never touched.
	//
	// SQL: DELETE FROM scheduled_messages WHERE user_id = $1
	//      AND status IN ('created','queued','sending')
	DeletePendingForUser(ctx context.Context, userID string) (int, error)
}

// RescheduleService reacts to user edits from the CRUD layer: when a
// timezone or occasion date changes, all pending rows for that user are
// deleted and precalculation re-runs for that single user, producing fresh
// rows consistent with the new data.
//
// A deleted-then-consumed race is harmless: a worker holding an envelope for
// a deleted row finds no row on reload and discards the delivery.
type RescheduleService struct {
	users    RescheduleUserSource
	messages PendingDeleter
	precalc  *PrecalcService
	logger   *slog.Logger
}

// NewRescheduleService creates a RescheduleService.
func NewRescheduleService(users RescheduleUserSource, messages PendingDeleter, precalc *PrecalcService, logger *slog.Logger) *RescheduleService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RescheduleService{
		users:    users,
		messages: messages,
		precalc:  precalc,
		logger:   logger,
	}
}

// Reschedule wipes and recomputes one user's pending messages. For a
// soft-deleted user it only wipes: nothing new is scheduled. Returns the
// number of rows deleted and the number created.
func (s *RescheduleService) Reschedule(ctx context.Context, userID string, now time.Time) (deleted, created int, err error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("loading user for reschedule: %w", err)
	}

	deleted, err = s.messages.DeletePendingForUser(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("deleting pending messages: %w", err)
	}

	if user.DeletedAt == nil {
		created, err = s.precalc.ScheduleUser(ctx, user, now)
		if err != nil {
			return deleted, 0, fmt.Errorf("rescheduling user %s: %w", userID, err)
		}
	}

	s.logger.InfoContext(ctx, "user rescheduled",
		"user_id", userID,
		"deleted", deleted,
		"created", created,
		"soft_deleted", user.DeletedAt != nil,
	)
	return deleted, created, nil
}
