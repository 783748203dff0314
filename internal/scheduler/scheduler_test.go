package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestScheduleJobIsIdempotent(t *testing.T) {
	s := NewCronScheduler(zaptest.NewLogger(t))

	require.NoError(t, s.ScheduleFunc("alert-rules", "0 */1 * * * *", func() {}))
	err := s.ScheduleFunc("alert-rules", "*/5 * * * * *", func() {})
	assert.ErrorIs(t, err, ErrJobAlreadyScheduled)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "alert-rules", jobs[0].Name)
	assert.Equal(t, "0 */1 * * * *", jobs[0].Expression)
	require.NotNil(t, jobs[0].NextRunTime)
	assert.Zero(t, jobs[0].NextRunTime.Second())
	assert.Nil(t, jobs[0].LastRunTime)
	assert.True(t, s.IsScheduled("alert-rules"))
}

func TestScheduleJobRejectsBadExpression(t *testing.T) {
	s := NewCronScheduler(zaptest.NewLogger(t))

	err := s.ScheduleFunc("broken", "every minute", func() {})
	assert.ErrorIs(t, err, ErrInvalidExpression)
	assert.Empty(t, s.Jobs())
}

func TestUnschedule(t *testing.T) {
	s := NewCronScheduler(zaptest.NewLogger(t))

	require.NoError(t, s.ScheduleFunc("retention", "@hourly", func() {}))
	require.NoError(t, s.Unschedule("retention"))
	assert.False(t, s.IsScheduled("retention"))
	assert.ErrorIs(t, s.Unschedule("retention"), ErrJobNotFound)

	// the name is free again
	require.NoError(t, s.ScheduleFunc("retention", "@hourly", func() {}))
}

func TestScheduledJobRuns(t *testing.T) {
	s := NewCronScheduler(zaptest.NewLogger(t))

	var runs atomic.Int32
	require.NoError(t, s.ScheduleFunc("tick", "* * * * * *", func() { runs.Add(1) }))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return s.Jobs()[0].LastRunTime != nil }, time.Second, 20*time.Millisecond)
}

func TestPanickingJobDoesNotStopScheduler(t *testing.T) {
	s := NewCronScheduler(zaptest.NewLogger(t))

	var runs atomic.Int32
	require.NoError(t, s.ScheduleFunc("bad", "* * * * * *", func() {
		runs.Add(1)
		panic("boom")
	}))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, b.NextRetry(0))
	assert.Equal(t, 200*time.Millisecond, b.NextRetry(1))
	assert.Equal(t, 800*time.Millisecond, b.NextRetry(3))
	assert.Equal(t, time.Second, b.NextRetry(10))
}

func TestRetry(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, 3, func(int) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, 2, func(int) error {
			calls++
			return errors.New("down")
		})
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Contains(t, err.Error(), "down")
		assert.Equal(t, 2, calls)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, &ExponentialBackoff{InitialDelay: time.Hour, Multiplier: 1}, 5, func(int) error {
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
