package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"occasion/internal/config"
	"occasion/internal/types"
)

// Disposition is the handler's verdict on a consumed delivery.
type Disposition int

const (
	// Ack removes the broker copy: the envelope was processed, or it was
	// safely discarded (duplicate, terminal row, explicitly dead-lettered).
	Ack Disposition = iota
	// Requeue returns the copy to the broker for redelivery. Reserved for
	// infrastructure hiccups where no processing happened at all.
	Requeue
)

// Handler processes one decoded envelope and decides its disposition.
type Handler func(ctx context.Context, env types.QueueEnvelope) Disposition

// deadLetterer is the slice of Publisher the consumer needs for malformed
// payloads.
type deadLetterer interface {
	PublishDeadLetter(ctx context.Context, env types.QueueEnvelope, reason string) error
}

// consumeChannel is the subset of *amqp091.Channel used by the consumer.
type consumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Consumer pulls envelopes off the delivery queue and dispatches them to a
// handler with bounded concurrency. Prefetch caps the number of unacked
// deliveries, which is the backpressure mechanism: a slow sender stalls
// consumption instead of ballooning memory.
type Consumer struct {
	channel    consumeChannel
	deadLetter deadLetterer
	queue      string
	tag        string
	prefetch   int
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewConsumer creates a Consumer for the configured delivery queue. The
// consumer tag is unique per process so broker-side cancellation is
// addressable.
func NewConsumer(channel consumeChannel, deadLetter deadLetterer, cfg config.BrokerConfig, logger *slog.Logger) *Consumer {
	return &Consumer{
		channel:    channel,
		deadLetter: deadLetter,
		queue:      cfg.DeliveryQueue,
		tag:        "delivery-worker-" + uuid.New().String(),
		prefetch:   cfg.Prefetch,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Run consumes until ctx is cancelled or the deliveries channel closes
// (connection loss), then waits for in-flight handlers to finish. Each
// delivery is acked or requeued exactly once based on the handler's
// disposition; payloads that do not decode into a valid envelope are
// dead-lettered and acked, since redelivery cannot fix a malformed message.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to set consumer prefetch", err)
	}

	deliveries, err := c.channel.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to start consuming", err)
	}

	c.logger.InfoContext(ctx, "consumer started",
		"queue", c.queue,
		"consumer_tag", c.tag,
		"prefetch", c.prefetch,
	)

	g := &errgroup.Group{}
	g.SetLimit(c.prefetch)

	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "consumer stopping, draining in-flight deliveries")
			return g.Wait()
		case d, ok := <-deliveries:
			if !ok {
				c.logger.WarnContext(ctx, "deliveries channel closed")
				return g.Wait()
			}
			g.Go(func() error {
				c.process(ctx, d, handler)
				return nil
			})
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery, handler Handler) {
	env, err := c.decode(d.Body)
	if err != nil {
		c.logger.ErrorContext(ctx, "discarding malformed delivery",
			"error", err,
			"message_id", d.MessageId,
		)
		// Best-effort park for inspection; the MessageId property survives
		// even when the body is garbage.
		if dlErr := c.deadLetter.PublishDeadLetter(ctx, types.QueueEnvelope{MessageID: d.MessageId}, "malformed envelope"); dlErr != nil {
			c.logger.ErrorContext(ctx, "failed to dead-letter malformed delivery", "error", dlErr)
		}
		c.finish(ctx, d, Ack)
		return
	}

	c.finish(ctx, d, handler(ctx, *env))
}

func (c *Consumer) decode(body []byte) (*types.QueueEnvelope, error) {
	var env types.QueueEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "envelope is not valid JSON", err)
	}
	if err := c.validate.Struct(env); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "envelope failed validation", err)
	}
	return &env, nil
}

func (c *Consumer) finish(ctx context.Context, d amqp.Delivery, disp Disposition) {
	var err error
	switch disp {
	case Requeue:
		err = d.Nack(false, true)
	default:
		err = d.Ack(false)
	}
	if err != nil {
		// The channel is likely gone; the broker will redeliver the unacked
		// copy and the claim step keeps the redelivery harmless.
		c.logger.ErrorContext(ctx, "failed to settle delivery", "error", err, "message_id", d.MessageId)
	}
}
