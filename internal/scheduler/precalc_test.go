package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occasion/internal/types"
)

type fakeUserSource struct {
	users   []types.User
	listErr error
}

func (f *fakeUserSource) ListActive(ctx context.Context, afterID string, limit int) ([]types.User, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var page []types.User
	for _, u := range f.users {
		if u.ID > afterID {
			page = append(page, u)
		}
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

type fakeInserter struct {
	inserted  []types.ScheduledMessage
	conflicts map[string]bool // idempotency key -> simulate existing row
	insertErr error
}

func (f *fakeInserter) Insert(ctx context.Context, msg *types.ScheduledMessage) (bool, error) {
	if f.insertErr != nil {
		return false, f.insertErr
	}
	if f.conflicts[msg.IdempotencyKey] {
		return false, nil
	}
	f.inserted = append(f.inserted, *msg)
	return true, nil
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPrecalcService_Run_SchedulesMatchingBirthday(t *testing.T) {
	users := &fakeUserSource{users: []types.User{
		{ID: "user-1", FirstName: "Jane", Timezone: "America/New_York", Birthday: date(1990, time.March, 10)},
		{ID: "user-2", FirstName: "Bob", Timezone: "America/New_York", Birthday: date(1985, time.July, 1)},
	}}
	inserter := &fakeInserter{}
	svc := NewPrecalcService(users, inserter, 9, 100, noopLogger())

	// Noon UTC on March 10th: it is March 10th in New York too.
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	created, err := svc.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	require.Len(t, inserter.inserted, 1)
	msg := inserter.inserted[0]
	assert.Equal(t, "user-1", msg.UserID)
	assert.Equal(t, types.OccasionBirthday, msg.OccasionType)
	assert.Equal(t, types.StatusCreated, msg.Status)
	assert.Equal(t, "user-1:birthday:2026-03-10", msg.IdempotencyKey)
	// 09:00 EDT on March 10th 2026 (DST began March 8th).
	assert.Equal(t, time.Date(2026, time.March, 10, 13, 0, 0, 0, time.UTC), msg.ScheduledFor)
	assert.NotEmpty(t, msg.ID)
}

func TestPrecalcService_Run_SchedulesAnniversaryAlongsideBirthday(t *testing.T) {
	anniversary := date(2015, time.March, 10)
	users := &fakeUserSource{users: []types.User{
		{ID: "user-1", FirstName: "Jane", Timezone: "UTC", Birthday: date(1990, time.March, 10), Anniversary: &anniversary},
	}}
	inserter := &fakeInserter{}
	svc := NewPrecalcService(users, inserter, 9, 100, noopLogger())

	created, err := svc.Run(context.Background(), time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	gotTypes := []types.OccasionType{inserter.inserted[0].OccasionType, inserter.inserted[1].OccasionType}
	assert.ElementsMatch(t, []types.OccasionType{types.OccasionBirthday, types.OccasionAnniversary}, gotTypes)
}

func TestPrecalcService_Run_LocalDateRollover(t *testing.T) {
	users := &fakeUserSource{users: []types.User{
		{ID: "user-tokyo", Timezone: "Asia/Tokyo", Birthday: date(1990, time.March, 10)},
		{ID: "user-la", Timezone: "America/Los_Angeles", Birthday: date(1990, time.March, 10)},
	}}
	inserter := &fakeInserter{}
	svc := NewPrecalcService(users, inserter, 9, 100, noopLogger())

	// 20:00 UTC March 9th: already March 10th in Tokyo, still March 9th in LA.
	now := time.Date(2026, time.March, 9, 20, 0, 0, 0, time.UTC)
	created, err := svc.Run(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	msg := inserter.inserted[0]
	assert.Equal(t, "user-tokyo", msg.UserID)
	// 09:00 JST on March 10th is midnight UTC.
	assert.Equal(t, time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC), msg.ScheduledFor)
}

func TestPrecalcService_Run_InvalidTimezoneSkipsUserNotBatch(t *testing.T) {
	users := &fakeUserSource{users: []types.User{
		{ID: "user-1", Timezone: "Mars/Olympus_Mons", Birthday: date(1990, time.March, 10)},
		{ID: "user-2", Timezone: "UTC", Birthday: date(1990, time.March, 10)},
	}}
	inserter := &fakeInserter{}
	svc := NewPrecalcService(users, inserter, 9, 100, noopLogger())

	created, err := svc.Run(context.Background(), time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	require.Len(t, inserter.inserted, 1)
	assert.Equal(t, "user-2", inserter.inserted[0].UserID)
}

func TestPrecalcService_Run_SecondRunIsNoOp(t *testing.T) {
	users := &fakeUserSource{users: []types.User{
		{ID: "user-1", Timezone: "UTC", Birthday: date(1990, time.March, 10)},
	}}
	inserter := &fakeInserter{conflicts: map[string]bool{
		"user-1:birthday:2026-03-10": true,
	}}
	svc := NewPrecalcService(users, inserter, 9, 100, noopLogger())

	created, err := svc.Run(context.Background(), time.Date(2026, time.March, 10, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Empty(t, inserter.inserted)
}

func TestPrecalcService_Run_PaginatesAllUsers(t *testing.T) {
	users := &fakeUserSource{users: []types.User{
		{ID: "a", Timezone: "UTC", Birthday: date(1990, time.March, 10)},
		{ID: "b", Timezone: "UTC", Birthday: date(1991, time.March, 10)},
		{ID: "c", Timezone: "UTC", Birthday: date(1992, time.March, 10)},
	}}
	inserter := &fakeInserter{}
	svc := NewPrecalcService(users, inserter, 9, 2, noopLogger())

	created, err := svc.Run(context.Background(), time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 3, created)
}

func TestPrecalcService_Run_StoreErrorAborts(t *testing.T) {
	users := &fakeUserSource{users: []types.User{
		{ID: "user-1", Timezone: "UTC", Birthday: date(1990, time.March, 10)},
	}}
	inserter := &fakeInserter{insertErr: errors.New("connection lost")}
	svc := NewPrecalcService(users, inserter, 9, 100, noopLogger())

	_, err := svc.Run(context.Background(), time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
}

func TestPrecalcService_Run_LeapDayObservedFeb28(t *testing.T) {
	users := &fakeUserSource{users: []types.User{
		{ID: "leap", Timezone: "UTC", Birthday: date(1992, time.February, 29)},
	}}
	inserter := &fakeInserter{}
	svc := NewPrecalcService(users, inserter, 9, 100, noopLogger())

	created, err := svc.Run(context.Background(), time.Date(2026, time.February, 28, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, created)
	assert.Equal(t, "leap:birthday:2026-02-28", inserter.inserted[0].IdempotencyKey)
}
