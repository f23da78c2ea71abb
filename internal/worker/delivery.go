// Package worker implements the delivery side of the pipeline: it consumes
// queue envelopes, performs the idempotent send through the external client,
// and advances the scheduled message state machine.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"occasion/internal/external"
	"occasion/internal/metrics"
	"occasion/internal/occasion"
	"occasion/internal/queue"
	"occasion/internal/types"
)

// MessageStore is the store slice the worker needs.
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*types.ScheduledMessage, error)
	// ClaimSending transitions created|queued -> sending under a guard;
	// false means another worker owns the row.
	ClaimSending(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id string, reason string) (bool, error)
	// ReturnForRetry transitions sending -> queued with retry_count + 1.
	ReturnForRetry(ctx context.Context, id string, reason string) (bool, error)
}

// UserStore loads the user a message addresses.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// Sender is the breaker-wrapped external delivery call.
type Sender interface {
	Send(ctx context.Context, n external.Notification) error
}

// RetryPublisher publishes delayed copies and dead letters.
type RetryPublisher interface {
	PublishDelayed(ctx context.Context, env types.QueueEnvelope, delay time.Duration) error
	PublishDeadLetter(ctx context.Context, env types.QueueEnvelope, reason string) error
}

// DeliveryObserver receives delivery metrics. May be nil.
type DeliveryObserver interface {
	ObserveDelivery(ot types.OccasionType, outcome string)
	ObserveConsume()
}

// RetryDelay computes the redelivery delay for a message on its next
// attempt: baseDelay doubled per prior retry, capped at maxDelay.
func RetryDelay(retryCount int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := baseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Delivery processes consumed envelopes. The store is the single source of
// truth: the envelope only identifies the row, and every decision is made
// against the row's current state under guarded transitions, so duplicate
// deliveries and worker races converge to exactly one external send.
type Delivery struct {
	messages   MessageStore
	users      UserStore
	sender     Sender
	publisher  RetryPublisher
	observer   DeliveryObserver
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewDelivery creates the delivery handler.
func NewDelivery(messages MessageStore, users UserStore, sender Sender, publisher RetryPublisher, observer DeliveryObserver, maxRetries int, baseDelay, maxDelay time.Duration, logger *slog.Logger) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Delivery{
		messages:   messages,
		users:      users,
		sender:     sender,
		publisher:  publisher,
		observer:   observer,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		now:        time.Now,
		logger:     logger,
	}
}

// Handle processes one envelope and returns its disposition. It never
// returns Requeue for anything the row's state already settled; Requeue is
// reserved for store unavailability, where redelivery is the retry.
func (d *Delivery) Handle(ctx context.Context, env types.QueueEnvelope) queue.Disposition {
	if d.observer != nil {
		d.observer.ObserveConsume()
	}
	log := d.logger.With("message_id", env.MessageID, "occasion_type", string(env.OccasionType))

	msg, err := d.messages.GetByID(ctx, env.MessageID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundMessage {
			// A reschedule wiped the row while the envelope was in flight.
			log.InfoContext(ctx, "row no longer exists, discarding delivery")
			return queue.Ack
		}
		log.ErrorContext(ctx, "store unavailable, requeueing delivery", "error", err)
		return queue.Requeue
	}

	if msg.Status == types.StatusSent {
		// Duplicate from at-least-once redelivery; already delivered.
		log.InfoContext(ctx, "message already sent, discarding duplicate")
		d.observe(msg.OccasionType, metrics.OutcomeDuplicate)
		return queue.Ack
	}
	if msg.Status == types.StatusFailed {
		log.InfoContext(ctx, "message already failed, discarding delivery")
		return queue.Ack
	}

	if wait := msg.ScheduledFor.Sub(d.now().UTC()); wait > 0 {
		return d.deferUntilDue(ctx, log, msg, wait)
	}

	claimed, err := d.messages.ClaimSending(ctx, msg.ID)
	if err != nil {
		log.ErrorContext(ctx, "store unavailable during claim, requeueing", "error", err)
		return queue.Requeue
	}
	if !claimed {
		// Another worker holds the row; its copy will settle the state.
		log.InfoContext(ctx, "claim lost to concurrent worker, discarding copy")
		d.observe(msg.OccasionType, metrics.OutcomeDuplicate)
		return queue.Ack
	}

	user, err := d.users.GetByID(ctx, msg.UserID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundUser {
			return d.failPermanently(ctx, log, msg, "user record no longer exists")
		}
		return d.retryTransiently(ctx, log, msg, fmt.Sprintf("loading user: %v", err))
	}

	sendErr := d.sender.Send(ctx, external.Notification{
		MessageID:    msg.ID,
		UserID:       msg.UserID,
		OccasionType: msg.OccasionType,
		Message:      occasion.GreetingText(user, msg.OccasionType),
	})
	if sendErr == nil {
		applied, err := d.messages.MarkSent(ctx, msg.ID)
		if err != nil {
			// Delivered but not recorded; recovery will reset the row and a
			// later attempt hits the upstream again. At-least-once allows it.
			log.ErrorContext(ctx, "delivered but failed to mark sent", "error", err)
			return queue.Ack
		}
		if !applied {
			log.WarnContext(ctx, "delivered but row left sending state concurrently")
		}
		d.observe(msg.OccasionType, metrics.OutcomeSent)
		return queue.Ack
	}

	if types.CodeOf(sendErr).Transient() {
		return d.retryTransiently(ctx, log, msg, sendErr.Error())
	}
	return d.failPermanently(ctx, log, msg, sendErr.Error())
}

// deferUntilDue parks an envelope that surfaced ahead of the row's send
// instant back on the delay queue for the remaining wait. Clock skew or an
// eager redelivery can produce an early copy; sending before the local-hour
// instant is worse than one extra broker round trip.
func (d *Delivery) deferUntilDue(ctx context.Context, log *slog.Logger, msg *types.ScheduledMessage, wait time.Duration) queue.Disposition {
	env := types.QueueEnvelope{
		MessageID:    msg.ID,
		OccasionType: msg.OccasionType,
		ScheduledFor: msg.ScheduledFor,
		RetryCount:   msg.RetryCount,
	}
	if err := d.publisher.PublishDelayed(ctx, env, wait); err != nil {
		// No broker copy remains; the QUEUED row goes stale and the
		// recovery job re-enqueues it.
		log.ErrorContext(ctx, "failed to defer early delivery, leaving row for recovery",
			"error", err,
			"wait", wait.String(),
		)
		return queue.Ack
	}

	log.InfoContext(ctx, "delivery ahead of schedule, deferred",
		"wait", wait.String(),
		"scheduled_for", msg.ScheduledFor.Format(time.RFC3339),
	)
	return queue.Ack
}

// retryTransiently handles a transient failure on a row in SENDING: under
// the retry limit the row returns to QUEUED and a delayed copy is published;
// at the limit it is dead-lettered and failed.
func (d *Delivery) retryTransiently(ctx context.Context, log *slog.Logger, msg *types.ScheduledMessage, reason string) queue.Disposition {
	if msg.RetryCount >= d.maxRetries {
		return d.deadLetter(ctx, log, msg, fmt.Sprintf("retries exhausted: %s", reason), metrics.OutcomeDeadLetter)
	}

	applied, err := d.messages.ReturnForRetry(ctx, msg.ID, reason)
	if err != nil {
		log.ErrorContext(ctx, "failed to return row for retry", "error", err)
		// The row is stuck in SENDING; recovery resets it once stale.
		return queue.Ack
	}
	if !applied {
		log.WarnContext(ctx, "row left sending state before retry return")
		return queue.Ack
	}

	delay := RetryDelay(msg.RetryCount, d.baseDelay, d.maxDelay)
	env := types.QueueEnvelope{
		MessageID:    msg.ID,
		OccasionType: msg.OccasionType,
		ScheduledFor: msg.ScheduledFor,
		RetryCount:   msg.RetryCount + 1,
	}
	if err := d.publisher.PublishDelayed(ctx, env, delay); err != nil {
		// The row is QUEUED with no broker copy; recovery repairs that.
		log.ErrorContext(ctx, "failed to publish retry copy, leaving row for recovery",
			"error", err,
			"delay", delay.String(),
		)
		return queue.Ack
	}

	log.InfoContext(ctx, "transient failure, retry scheduled",
		"reason", reason,
		"retry_count", msg.RetryCount+1,
		"delay", delay.String(),
	)
	d.observe(msg.OccasionType, metrics.OutcomeRetried)
	return queue.Ack
}

// failPermanently dead-letters the envelope and terminates the row.
func (d *Delivery) failPermanently(ctx context.Context, log *slog.Logger, msg *types.ScheduledMessage, reason string) queue.Disposition {
	return d.deadLetter(ctx, log, msg, reason, metrics.OutcomeFailed)
}

func (d *Delivery) deadLetter(ctx context.Context, log *slog.Logger, msg *types.ScheduledMessage, reason, outcome string) queue.Disposition {
	env := types.QueueEnvelope{
		MessageID:    msg.ID,
		OccasionType: msg.OccasionType,
		ScheduledFor: msg.ScheduledFor,
		RetryCount:   msg.RetryCount,
	}
	if err := d.publisher.PublishDeadLetter(ctx, env, reason); err != nil {
		log.ErrorContext(ctx, "failed to publish dead letter", "error", err)
		// Fall through: the FAILED row still records the terminal outcome.
	}

	if _, err := d.messages.MarkFailed(ctx, msg.ID, reason); err != nil {
		log.ErrorContext(ctx, "failed to mark message failed", "error", err)
	}

	log.WarnContext(ctx, "message dead-lettered",
		"reason", reason,
		"retry_count", msg.RetryCount,
	)
	d.observe(msg.OccasionType, outcome)
	return queue.Ack
}

func (d *Delivery) observe(ot types.OccasionType, outcome string) {
	if d.observer != nil {
		d.observer.ObserveDelivery(ot, outcome)
	}
}
