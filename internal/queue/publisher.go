package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"

	"occasion/internal/config"
	"occasion/internal/types"
)

// confirmWaiter is the pending broker acknowledgement for one published
// message, satisfied by *amqp091.DeferredConfirmation.
type confirmWaiter interface {
	WaitContext(ctx context.Context) (bool, error)
}

// publishChannel abstracts the confirm-mode publish operation for
// testability. Production code wraps *amqp091.Channel via ConfirmedChannel.
type publishChannel interface {
	PublishWithDeferredConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmWaiter, error)
}

// ConfirmedChannel adapts *amqp091.Channel to publishChannel. The channel
// must already be in confirm mode (Connect handles this).
type ConfirmedChannel struct {
	Ch *amqp.Channel
}

func (c ConfirmedChannel) PublishWithDeferredConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmWaiter, error) {
	conf, err := c.Ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	return conf, nil
}

// PublishObserver counts confirmed publishes by destination. May be nil.
type PublishObserver interface {
	ObservePublish(destination string)
}

// Destination labels reported to the observer.
const (
	destinationDelivery   = "delivery"
	destinationDelayed    = "delayed"
	destinationDeadLetter = "dead_letter"
)

// Publisher publishes queue envelopes with publisher confirms and persistent
// delivery. A publish is only reported successful once the broker has
// confirmed it, so the scheduler can trust that a QUEUED row has a broker
// copy behind it.
type Publisher struct {
	channel  publishChannel
	exchange string
	retryQ   string
	dlx      string
	timeout  time.Duration
	validate *validator.Validate
	observer PublishObserver
	logger   *slog.Logger
}

// NewPublisher creates a Publisher over an adapted confirm-mode channel.
func NewPublisher(channel publishChannel, cfg config.BrokerConfig, observer PublishObserver, logger *slog.Logger) *Publisher {
	return &Publisher{
		channel:  channel,
		exchange: cfg.Exchange,
		retryQ:   cfg.RetryQueue,
		dlx:      cfg.DeadLetterExchange,
		timeout:  cfg.PublishTimeout,
		validate: validator.New(),
		observer: observer,
		logger:   logger,
	}
}

// PublishDelivery publishes an envelope to the work exchange, routed by
// occasion type. Used by the enqueue job after the CREATED -> QUEUED
// transition.
func (p *Publisher) PublishDelivery(ctx context.Context, env types.QueueEnvelope) error {
	if err := p.validate.Struct(env); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "refusing to publish invalid envelope", err)
	}
	if err := p.publish(ctx, p.exchange, RoutingKey(env.OccasionType), env, nil, ""); err != nil {
		return err
	}
	p.observe(destinationDelivery)
	return nil
}

// PublishDelayed publishes a copy of the envelope that the broker holds back
// for the given delay: the copy sits in the delay queue and then dead-letters
// into the work queue. The enqueue job uses it to hold messages until their
// send instant; the delivery worker uses it for backoff between attempts.
func (p *Publisher) PublishDelayed(ctx context.Context, env types.QueueEnvelope, delay time.Duration) error {
	if err := p.validate.Struct(env); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidEnvelope, "refusing to publish invalid envelope", err)
	}
	// Per-message TTL is a string of milliseconds.
	expiration := strconv.FormatInt(delay.Milliseconds(), 10)
	if err := p.publish(ctx, "", p.retryQ, env, nil, expiration); err != nil {
		return err
	}
	p.observe(destinationDelayed)
	return nil
}

// PublishDeadLetter parks an envelope on the dead-letter exchange with the
// failure reason and retry count recorded in headers for manual review.
// Unlike the delivery and delayed paths it does not validate the envelope:
// malformed payloads are exactly what this path exists to park.
func (p *Publisher) PublishDeadLetter(ctx context.Context, env types.QueueEnvelope, reason string) error {
	headers := amqp.Table{
		"x-failure-reason": reason,
		"x-retry-count":    int32(env.RetryCount),
	}
	if err := p.publish(ctx, p.dlx, RoutingKey(env.OccasionType), env, headers, ""); err != nil {
		return err
	}
	p.observe(destinationDeadLetter)
	return nil
}

func (p *Publisher) observe(destination string) {
	if p.observer != nil {
		p.observer.ObservePublish(destination)
	}
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, env types.QueueEnvelope, headers amqp.Table, expiration string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to marshal envelope", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conf, err := p.channel.PublishWithDeferredConfirm(ctx, exchange, key, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.MessageID,
		Timestamp:    time.Now().UTC(),
		Expiration:   expiration,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to publish envelope", err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeQueueNotConfirmed, "timed out waiting for publisher confirm", err)
	}
	if !acked {
		return types.NewAppError(types.ErrCodeQueueNotConfirmed, "broker rejected published envelope", nil)
	}

	p.logger.InfoContext(ctx, "envelope published",
		"message_id", env.MessageID,
		"occasion_type", string(env.OccasionType),
		"exchange", exchange,
		"routing_key", key,
		"retry_count", env.RetryCount,
	)
	return nil
}
