// Package queue provides the RabbitMQ transport between the scheduler and the
// delivery workers: topology declaration, a confirm-mode publisher for
// delivery, delayed-retry, and dead-letter messages, and a prefetch-bounded
// consumer.
package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"occasion/internal/config"
	"occasion/internal/types"
)

// RoutingKey returns the exchange routing key for an occasion type. Bindings
// and published messages use the occasion type verbatim.
func RoutingKey(ot types.OccasionType) string {
	return string(ot)
}

// Connect dials the broker and opens a channel in confirm mode with the
// topology declared. The caller owns both and closes them on shutdown,
// channel first.
func Connect(ctx context.Context, cfg config.BrokerConfig) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(cfg.URL.Unmask())
	if err != nil {
		return nil, nil, types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to connect to broker", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to open broker channel", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to enable publisher confirms", err)
	}

	if err := DeclareTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}

	return conn, ch, nil
}

// topologyChannel is the subset of *amqp091.Channel used by DeclareTopology.
type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology declares the full broker topology. Declaration is
// idempotent, so every process declares on startup and the first one wins.
//
//   - direct exchange cfg.Exchange, routed by occasion type into the durable
//     work queue cfg.DeliveryQueue
//   - fanout dead-letter exchange cfg.DeadLetterExchange into
//     cfg.DeadLetterQueue, catching both explicit dead-letter publishes and
//     broker-side rejections from the work queue
//   - retry queue cfg.RetryQueue with no consumer: retry copies sit here
//     under a per-message TTL and dead-letter straight back into the work
//     queue, giving delayed redelivery without a scheduler in the broker
func DeclareTopology(ch topologyChannel, cfg config.BrokerConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to declare work exchange", err)
	}
	if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to declare dead-letter exchange", err)
	}

	if _, err := ch.QueueDeclare(cfg.DeliveryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": cfg.DeadLetterExchange,
	}); err != nil {
		return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to declare delivery queue", err)
	}
	for _, ot := range []types.OccasionType{types.OccasionBirthday, types.OccasionAnniversary} {
		if err := ch.QueueBind(cfg.DeliveryQueue, RoutingKey(ot), cfg.Exchange, false, nil); err != nil {
			return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to bind delivery queue", err)
		}
	}

	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to declare dead-letter queue", err)
	}
	if err := ch.QueueBind(cfg.DeadLetterQueue, "", cfg.DeadLetterExchange, false, nil); err != nil {
		return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to bind dead-letter queue", err)
	}

	// Expired retry copies re-enter the work queue through the default
	// exchange, so the redelivered message carries the queue name as its
	// routing key rather than the occasion type. Workers route on the
	// envelope, not the key, so this is fine.
	if _, err := ch.QueueDeclare(cfg.RetryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DeliveryQueue,
	}); err != nil {
		return types.NewAppError(types.ErrCodeQueuePublishFailed, "failed to declare retry queue", err)
	}

	return nil
}
