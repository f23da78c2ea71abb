package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occasion/internal/types"
)

type fakeRescheduleUsers struct {
	user *types.User
}

func (f *fakeRescheduleUsers) GetByID(ctx context.Context, id string) (*types.User, error) {
	if f.user == nil || f.user.ID != id {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return f.user, nil
}

type fakePendingDeleter struct {
	deletedFor []string
	pending    int
}

func (f *fakePendingDeleter) DeletePendingForUser(ctx context.Context, userID string) (int, error) {
	f.deletedFor = append(f.deletedFor, userID)
	return f.pending, nil
}

func newRescheduleFixture(user *types.User, pending int) (*RescheduleService, *fakePendingDeleter, *fakeInserter) {
	inserter := &fakeInserter{}
	precalc := NewPrecalcService(&fakeUserSource{}, inserter, 9, 100, noopLogger())
	deleter := &fakePendingDeleter{pending: pending}
	svc := NewRescheduleService(&fakeRescheduleUsers{user: user}, deleter, precalc, noopLogger())
	return svc, deleter, inserter
}

func TestRescheduleService_RecomputesAfterTimezoneChange(t *testing.T) {
	// The user moved from New York to Tokyo; their pending row carries the
	// old zone's send time and must be replaced.
	user := &types.User{
		ID:       "user-1",
		Timezone: "Asia/Tokyo",
		Birthday: date(1990, time.March, 10),
	}
	svc, deleter, inserter := newRescheduleFixture(user, 1)

	now := time.Date(2026, time.March, 10, 2, 0, 0, 0, time.UTC)
	deleted, created, err := svc.Reschedule(context.Background(), "user-1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, created)
	assert.Equal(t, []string{"user-1"}, deleter.deletedFor)

	require.Len(t, inserter.inserted, 1)
	// 09:00 JST is midnight UTC.
	assert.Equal(t, time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC), inserter.inserted[0].ScheduledFor)
}

func TestRescheduleService_NoOccasionTodayCreatesNothing(t *testing.T) {
	user := &types.User{
		ID:       "user-1",
		Timezone: "UTC",
		Birthday: date(1990, time.July, 1),
	}
	svc, _, inserter := newRescheduleFixture(user, 2)

	deleted, created, err := svc.Reschedule(context.Background(), "user-1", time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, 0, created)
	assert.Empty(t, inserter.inserted)
}

func TestRescheduleService_SoftDeletedUserOnlyWipes(t *testing.T) {
	deletedAt := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	user := &types.User{
		ID:        "user-1",
		Timezone:  "UTC",
		Birthday:  date(1990, time.March, 10),
		DeletedAt: &deletedAt,
	}
	svc, _, inserter := newRescheduleFixture(user, 1)

	deleted, created, err := svc.Reschedule(context.Background(), "user-1", time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 0, created)
	assert.Empty(t, inserter.inserted)
}

func TestRescheduleService_UnknownUser(t *testing.T) {
	svc, deleter, _ := newRescheduleFixture(nil, 0)

	_, _, err := svc.Reschedule(context.Background(), "ghost", time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundUser, types.CodeOf(err))
	assert.Empty(t, deleter.deletedFor, "nothing is deleted for an unknown user")
}
