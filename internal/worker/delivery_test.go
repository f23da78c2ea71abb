package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occasion/internal/external"
	"occasion/internal/queue"
	"occasion/internal/types"
)

type fakeMessageStore struct {
	msg        *types.ScheduledMessage
	getErr     error
	denyClaim  bool
	claimed    []string
	sent       []string
	failed     map[string]string
	retried    map[string]string
	retryErr   error
	markedSent bool
}

func (f *fakeMessageStore) GetByID(ctx context.Context, id string) (*types.ScheduledMessage, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.msg == nil || f.msg.ID != id {
		return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "scheduled message not found", nil)
	}
	cp := *f.msg
	return &cp, nil
}

func (f *fakeMessageStore) ClaimSending(ctx context.Context, id string) (bool, error) {
	if f.denyClaim {
		return false, nil
	}
	f.claimed = append(f.claimed, id)
	f.msg.Status = types.StatusSending
	return true, nil
}

func (f *fakeMessageStore) MarkSent(ctx context.Context, id string) (bool, error) {
	f.sent = append(f.sent, id)
	f.msg.Status = types.StatusSent
	f.markedSent = true
	return true, nil
}

func (f *fakeMessageStore) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[id] = reason
	f.msg.Status = types.StatusFailed
	return true, nil
}

func (f *fakeMessageStore) ReturnForRetry(ctx context.Context, id string, reason string) (bool, error) {
	if f.retryErr != nil {
		return false, f.retryErr
	}
	if f.retried == nil {
		f.retried = make(map[string]string)
	}
	f.retried[id] = reason
	f.msg.Status = types.StatusQueued
	f.msg.RetryCount++
	return true, nil
}

type fakeUserStore struct {
	user *types.User
	err  error
}

func (f *fakeUserStore) GetByID(ctx context.Context, id string) (*types.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

type fakeSender struct {
	sent []external.Notification
	errs []error // popped per call; nil slice means always succeed
}

func (f *fakeSender) Send(ctx context.Context, n external.Notification) error {
	f.sent = append(f.sent, n)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

type delayedPublish struct {
	env   types.QueueEnvelope
	delay time.Duration
}

type fakeRetryPublisher struct {
	delayed     []delayedPublish
	deadLetters []string // reasons
	publishErr  error
}

func (f *fakeRetryPublisher) PublishDelayed(ctx context.Context, env types.QueueEnvelope, delay time.Duration) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.delayed = append(f.delayed, delayedPublish{env: env, delay: delay})
	return nil
}

func (f *fakeRetryPublisher) PublishDeadLetter(ctx context.Context, env types.QueueEnvelope, reason string) error {
	f.deadLetters = append(f.deadLetters, reason)
	return nil
}

const (
	testBase = 30 * time.Second
	testMax  = 15 * time.Minute
)

func queuedMessage(retryCount int) *types.ScheduledMessage {
	return &types.ScheduledMessage{
		ID:           "5f9b1c9e-1111-4b6e-8a3d-000000000001",
		UserID:       "user-1",
		OccasionType: types.OccasionBirthday,
		ScheduledFor: time.Date(2026, time.March, 10, 13, 0, 0, 0, time.UTC),
		Status:       types.StatusQueued,
		RetryCount:   retryCount,
	}
}

func envelopeFor(msg *types.ScheduledMessage) types.QueueEnvelope {
	return types.QueueEnvelope{
		MessageID:    msg.ID,
		OccasionType: msg.OccasionType,
		ScheduledFor: msg.ScheduledFor,
		RetryCount:   msg.RetryCount,
	}
}

func newFixture(msg *types.ScheduledMessage) (*Delivery, *fakeMessageStore, *fakeSender, *fakeRetryPublisher) {
	store := &fakeMessageStore{msg: msg}
	sender := &fakeSender{}
	publisher := &fakeRetryPublisher{}
	users := &fakeUserStore{user: &types.User{ID: "user-1", FirstName: "Jane", LastName: "Doe", Timezone: "UTC"}}
	d := NewDelivery(store, users, sender, publisher, nil, 3, testBase, testMax, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Pin the clock to the fixture message's send instant so rows are due.
	d.now = func() time.Time { return time.Date(2026, time.March, 10, 13, 0, 0, 0, time.UTC) }
	return d, store, sender, publisher
}

func TestDelivery_Handle_SuccessfulSend(t *testing.T) {
	msg := queuedMessage(0)
	d, store, sender, _ := newFixture(msg)

	disp := d.Handle(context.Background(), envelopeFor(msg))
	assert.Equal(t, queue.Ack, disp)

	require.Len(t, sender.sent, 1)
	n := sender.sent[0]
	assert.Equal(t, msg.ID, n.MessageID)
	assert.Equal(t, "Hey, Jane Doe it's your birthday", n.Message)
	assert.Equal(t, []string{msg.ID}, store.claimed)
	assert.True(t, store.markedSent)
}

func TestDelivery_Handle_DuplicateOfSentMessage(t *testing.T) {
	msg := queuedMessage(0)
	msg.Status = types.StatusSent
	d, store, sender, _ := newFixture(msg)

	disp := d.Handle(context.Background(), envelopeFor(msg))
	assert.Equal(t, queue.Ack, disp)
	assert.Empty(t, sender.sent, "a sent row short-circuits before the external call")
	assert.Empty(t, store.claimed)
}

func TestDelivery_Handle_ConcurrentWorkerLosesClaim(t *testing.T) {
	msg := queuedMessage(0)
	d, store, sender, _ := newFixture(msg)
	store.denyClaim = true

	disp := d.Handle(context.Background(), envelopeFor(msg))
	assert.Equal(t, queue.Ack, disp)
	assert.Empty(t, sender.sent, "losing the claim race must not send")
}

func TestDelivery_Handle_RowDeletedByReschedule(t *testing.T) {
	msg := queuedMessage(0)
	d, _, sender, _ := newFixture(msg)
	env := envelopeFor(msg)
	env.MessageID = "5f9b1c9e-9999-4b6e-8a3d-000000000099"

	disp := d.Handle(context.Background(), env)
	assert.Equal(t, queue.Ack, disp)
	assert.Empty(t, sender.sent)
}

func TestDelivery_Handle_StoreDownRequeues(t *testing.T) {
	msg := queuedMessage(0)
	d, store, _, _ := newFixture(msg)
	store.getErr = types.NewAppError(types.ErrCodeInternalDB, "connection refused", errors.New("dial tcp"))

	disp := d.Handle(context.Background(), envelopeFor(msg))
	assert.Equal(t, queue.Requeue, disp)
}

func TestDelivery_Handle_EarlyDeliveryDeferredUntilDue(t *testing.T) {
	// An envelope surfacing an hour before the row's send instant must not
	// reach the upstream; it goes back to the delay queue for the remainder.
	msg := queuedMessage(0)
	d, store, sender, publisher := newFixture(msg)
	d.now = func() time.Time { return msg.ScheduledFor.Add(-time.Hour) }

	disp := d.Handle(context.Background(), envelopeFor(msg))
	assert.Equal(t, queue.Ack, disp)

	assert.Empty(t, sender.sent, "early deliveries must never send")
	assert.Empty(t, store.claimed, "the row stays unclaimed until due")
	require.Len(t, publisher.delayed, 1)
	dp := publisher.delayed[0]
	assert.Equal(t, time.Hour, dp.delay)
	assert.Equal(t, msg.ID, dp.env.MessageID)
	assert.Equal(t, msg.RetryCount, dp.env.RetryCount, "deferral is not a retry")
}

func TestDelivery_Handle_DeferPublishFailureLeavesRowForRecovery(t *testing.T) {
	msg := queuedMessage(0)
	d, store, sender, _ := newFixture(msg)
	d.now = func() time.Time { return msg.ScheduledFor.Add(-30 * time.Minute) }
	d.publisher = &fakeRetryPublisher{publishErr: types.NewAppError(types.ErrCodeQueueNotConfirmed, "broker down", nil)}

	disp := d.Handle(context.Background(), envelopeFor(msg))
	assert.Equal(t, queue.Ack, disp)
	assert.Empty(t, sender.sent)
	// With no broker copy left, the QUEUED row goes stale and recovery
	// re-enqueues it.
	assert.Equal(t, types.StatusQueued, store.msg.Status)
}

func TestDelivery_Handle_TransientFailureSchedulesRetry(t *testing.T) {
	msg := queuedMessage(1)
	d, store, _, publisher := newFixture(msg)
	d.sender = &fakeSender{errs: []error{
		types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream returned 503", nil),
	}}

	disp := d.Handle(context.Background(), envelopeFor(msg))
	assert.Equal(t, queue.Ack, disp)

	assert.Contains(t, store.retried[msg.ID], "503")
	require.Len(t, publisher.delayed, 1)
	rp := publisher.delayed[0]
	assert.Equal(t, msg.ID, rp.env.MessageID)
	assert.Equal(t, 2, rp.env.RetryCount)
	// Second retry: baseDelay doubled once.
	assert.Equal(t, time.Minute, rp.delay)
	assert.Empty(t, publisher.deadLetters)
}

func TestDelivery_Handle_BackoffSequenceAndDeadLetter(t *testing.T) {
	// A message failing transiently on every attempt walks base, 2x, 4x
	// delays and is dead-lettered on the fourth failure with maxRetries 3.
	msg := queuedMessage(0)
	d, store, _, publisher := newFixture(msg)

	transient := types.NewAppError(types.ErrCodeUpstreamTimeout, "send request timed out", nil)
	d.sender = &fakeSender{errs: []error{transient, transient, transient, transient}}

	wantDelays := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	for attempt := 0; attempt < 4; attempt++ {
		env := envelopeFor(store.msg)
		disp := d.Handle(context.Background(), env)
		assert.Equal(t, queue.Ack, disp)
	}

	require.Len(t, publisher.delayed, 3)
	for i, want := range wantDelays {
		assert.Equal(t, want, publisher.delayed[i].delay, "retry %d delay", i+1)
	}

	require.Len(t, publisher.deadLetters, 1)
	assert.Contains(t, publisher.deadLetters[0], "retries exhausted")
	assert.Equal(t, types.StatusFailed, store.msg.Status)
	assert.Contains(t, store.failed[msg.ID], "retries exhausted")
}

func TestDelivery_Handle_PermanentFailureDeadLettersImmediately(t *testing.T) {
	msg := queuedMessage(0)
	d, store, _, publisher := newFixture(msg)
	d.sender = &fakeSender{errs: []error{
		types.NewAppError(types.ErrCodeUpstreamRejected, "upstream rejected notification with 400", nil),
	}}

	disp := d.Handle(context.Background(), envelopeFor(msg))
	assert.Equal(t, queue.Ack, disp)

	assert.Empty(t, store.retried, "permanent failures never retry")
	assert.Empty(t, publisher.delayed)
	require.Len(t, publisher.deadLetters, 1)
	assert.Equal(t, types.StatusFailed, store.msg.Status)
}

func TestDelivery_Handle_UserDeletedIsPermanent(t *testing.T) {
	msg := queuedMessage(0)
	d, store, sender, publisher := newFixture(msg)
	d.users = &fakeUserStore{err: types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)}

	disp := d.Handle(context.Background(), envelopeFor(msg))
	assert.Equal(t, queue.Ack, disp)
	assert.Empty(t, sender.sent)
	require.Len(t, publisher.deadLetters, 1)
	assert.Contains(t, store.failed[msg.ID], "user record no longer exists")
}

func TestDelivery_Handle_RetryPublishFailureLeavesRowForRecovery(t *testing.T) {
	msg := queuedMessage(0)
	d, store, _, _ := newFixture(msg)
	d.sender = &fakeSender{errs: []error{
		types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream returned 502", nil),
	}}
	d.publisher = &fakeRetryPublisher{publishErr: types.NewAppError(types.ErrCodeQueueNotConfirmed, "broker down", nil)}

	disp := d.Handle(context.Background(), envelopeFor(msg))
	assert.Equal(t, queue.Ack, disp)
	// The row went back to QUEUED; with no broker copy, the recovery job
	// will reset it once stale.
	assert.Equal(t, types.StatusQueued, store.msg.Status)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{5, 15 * time.Minute}, // capped before 16m
		{30, 15 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(tt.retryCount, testBase, testMax), "retryCount=%d", tt.retryCount)
	}
}
