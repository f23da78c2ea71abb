package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occasion/internal/types"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type fakeConsumeChannel struct {
	deliveries chan amqp.Delivery
	prefetch   int
}

func (f *fakeConsumeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeConsumeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

type fakeDeadLetterer struct {
	mu      sync.Mutex
	parked  []types.QueueEnvelope
	reasons []string
}

func (f *fakeDeadLetterer) PublishDeadLetter(ctx context.Context, env types.QueueEnvelope, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parked = append(f.parked, env)
	f.reasons = append(f.reasons, reason)
	return nil
}

func delivery(t *testing.T, ack *fakeAcknowledger, tag uint64, env types.QueueEnvelope) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		MessageId:    env.MessageID,
		Body:         body,
	}
}

func TestConsumer_Run_DispatchesAndAcks(t *testing.T) {
	ack := &fakeAcknowledger{}
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 2)}
	dl := &fakeDeadLetterer{}
	consumer := NewConsumer(ch, dl, testBrokerConfig(), discardLogger())

	env := testEnvelope()
	ch.deliveries <- delivery(t, ack, 1, env)
	close(ch.deliveries)

	var (
		mu      sync.Mutex
		handled []types.QueueEnvelope
	)
	err := consumer.Run(context.Background(), func(ctx context.Context, got types.QueueEnvelope) Disposition {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, got)
		return Ack
	})
	require.NoError(t, err)

	assert.Equal(t, 8, ch.prefetch)
	require.Len(t, handled, 1)
	assert.Equal(t, env, handled[0])
	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Empty(t, ack.nacked)
	assert.Empty(t, dl.parked)
}

func TestConsumer_Run_RequeueDisposition(t *testing.T) {
	ack := &fakeAcknowledger{}
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 1)}
	consumer := NewConsumer(ch, &fakeDeadLetterer{}, testBrokerConfig(), discardLogger())

	ch.deliveries <- delivery(t, ack, 7, testEnvelope())
	close(ch.deliveries)

	err := consumer.Run(context.Background(), func(ctx context.Context, env types.QueueEnvelope) Disposition {
		return Requeue
	})
	require.NoError(t, err)

	assert.Equal(t, []uint64{7}, ack.nacked)
	assert.True(t, ack.requeue)
	assert.Empty(t, ack.acked)
}

func TestConsumer_Run_MalformedBodyIsDeadLetteredAndAcked(t *testing.T) {
	ack := &fakeAcknowledger{}
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 1)}
	dl := &fakeDeadLetterer{}
	consumer := NewConsumer(ch, dl, testBrokerConfig(), discardLogger())

	ch.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  3,
		MessageId:    "msg-3",
		Body:         []byte("{not json"),
	}
	close(ch.deliveries)

	handlerCalled := false
	err := consumer.Run(context.Background(), func(ctx context.Context, env types.QueueEnvelope) Disposition {
		handlerCalled = true
		return Ack
	})
	require.NoError(t, err)

	assert.False(t, handlerCalled, "malformed payloads never reach the handler")
	assert.Equal(t, []uint64{3}, ack.acked, "malformed payloads are acked, not redelivered")
	require.Len(t, dl.parked, 1)
	assert.Equal(t, "msg-3", dl.parked[0].MessageID)
	assert.Equal(t, []string{"malformed envelope"}, dl.reasons)
}

func TestConsumer_Run_InvalidEnvelopeIsDeadLettered(t *testing.T) {
	ack := &fakeAcknowledger{}
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery, 1)}
	dl := &fakeDeadLetterer{}
	consumer := NewConsumer(ch, dl, testBrokerConfig(), discardLogger())

	// Valid JSON, invalid content: unknown occasion type.
	ch.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  4,
		Body:         []byte(`{"message_id":"5f9b1c9e-1111-4b6e-8a3d-000000000001","occasion_type":"graduation","scheduled_for":"2026-03-10T14:00:00Z","retry_count":0}`),
	}
	close(ch.deliveries)

	err := consumer.Run(context.Background(), func(ctx context.Context, env types.QueueEnvelope) Disposition {
		t.Fatal("handler must not run for invalid envelopes")
		return Ack
	})
	require.NoError(t, err)

	assert.Equal(t, []uint64{4}, ack.acked)
	require.Len(t, dl.parked, 1)
}

func TestConsumer_Run_StopsOnContextCancel(t *testing.T) {
	ch := &fakeConsumeChannel{deliveries: make(chan amqp.Delivery)}
	consumer := NewConsumer(ch, &fakeDeadLetterer{}, testBrokerConfig(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(ctx context.Context, env types.QueueEnvelope) Disposition {
			return Ack
		})
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after context cancellation")
	}
}
