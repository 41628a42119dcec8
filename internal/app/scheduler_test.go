package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reconcilerStub struct {
	calls int
	limit int
	err   error
}

func (s *reconcilerStub) ReconcileOutstandingDisbursements(ctx context.Context, limit int) (*ReconcileResult, error) {
	s.calls++
	s.limit = limit
	if s.err != nil {
		return nil, s.err
	}
	return &ReconcileResult{Scanned: 2, Settled: 2}, nil
}

func TestJobs_ReconcileDisbursementsUsesClampedLimit(t *testing.T) {
	stub := &reconcilerStub{}
	jobs := NewJobs(stub, 10_000, zap.NewNop())

	jobs.ReconcileDisbursements()

	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, maxReconcileLimit, stub.limit)
}

func TestJobs_ReconcileDisbursementsToleratesErrors(t *testing.T) {
	for _, err := range []error{ErrSweepInProgress, errors.New("db down")} {
		stub := &reconcilerStub{err: err}
		jobs := NewJobs(stub, 0, zap.NewNop())

		assert.NotPanics(t, jobs.ReconcileDisbursements)
		assert.Equal(t, defaultReconcileLimit, stub.limit)
	}
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	scheduler := NewScheduler(NewJobs(&reconcilerStub{}, 0, zap.NewNop()), zap.NewNop(), "not a schedule")
	require.Error(t, scheduler.Start())
}

func TestScheduler_StartAndStop(t *testing.T) {
	scheduler := NewScheduler(NewJobs(&reconcilerStub{}, 0, zap.NewNop()), zap.NewNop(), "@every 1h")
	require.NoError(t, scheduler.Start())

	select {
	case <-scheduler.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestLocalKeyedLock(t *testing.T) {
	lock := NewLocalKeyedLock()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lock.now = func() time.Time { return now }
	ctx := context.Background()

	release, ok, err := lock.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = lock.Acquire(ctx, "a", time.Minute)
	assert.False(t, ok, "held key")

	_, ok, _ = lock.Acquire(ctx, "b", time.Minute)
	assert.True(t, ok, "independent key")

	release()
	_, ok, _ = lock.Acquire(ctx, "a", time.Minute)
	assert.True(t, ok, "released key")

	now = now.Add(2 * time.Minute)
	_, ok, _ = lock.Acquire(ctx, "b", time.Minute)
	assert.True(t, ok, "expired key")
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 2, retryAfterSeconds(1500*time.Millisecond))
	assert.Equal(t, 60, retryAfterSeconds(time.Minute))
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(10*time.Millisecond))
}

func TestRedisKeyPrefix(t *testing.T) {
	assert.Equal(t, "lipila:lock", redisKeyPrefix("", "lock"))
	assert.Equal(t, "tenant:rate_limit", redisKeyPrefix(" tenant: ", "rate_limit"))
}
