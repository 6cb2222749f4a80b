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

	"tempshare/internal/config"
	"tempshare/internal/services"
)

type fakeSweeper struct {
	expiredCalls atomic.Int32
	staleCalls   atomic.Int32
	retention    atomic.Int64
	block        chan struct{}
	err          error
}

func (f *fakeSweeper) SweepExpired(ctx context.Context) (services.SweepResult, error) {
	f.expiredCalls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return services.SweepResult{}, ctx.Err()
		}
	}
	return services.SweepResult{Candidates: 2, Affected: 2}, f.err
}

func (f *fakeSweeper) SweepStale(_ context.Context, retention time.Duration) (services.SweepResult, error) {
	f.staleCalls.Add(1)
	f.retention.Store(int64(retention))
	return services.SweepResult{Affected: 1}, f.err
}

func lifecycleConfig() config.LifecycleConfig {
	return config.LifecycleConfig{
		Retention:       7 * 24 * time.Hour,
		ExpiredSchedule: "@every 5m",
		StaleSchedule:   "0 2 * * *",
		SweepTimeout:    time.Second,
	}
}

func TestRunNow(t *testing.T) {
	sweeper := &fakeSweeper{}
	s, err := New(sweeper, lifecycleConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{JobSweepExpired, JobSweepStale}, s.Names())

	res, err := s.RunNow(context.Background(), JobSweepExpired)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Affected)
	assert.Equal(t, int32(1), sweeper.expiredCalls.Load())

	res, err = s.RunNow(context.Background(), JobSweepStale)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)
	assert.Equal(t, int64(7*24*time.Hour), sweeper.retention.Load())

	_, err = s.RunNow(context.Background(), "rebuild-index")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunNowPropagatesErrors(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db locked")}
	s, err := New(sweeper, lifecycleConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), JobSweepStale)
	assert.EqualError(t, err, "db locked")
}

func TestRunsDoNotOverlap(t *testing.T) {
	sweeper := &fakeSweeper{block: make(chan struct{})}
	s, err := New(sweeper, lifecycleConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), JobSweepExpired)
		done <- err
	}()

	require.Eventually(t, func() bool { return sweeper.expiredCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err = s.RunNow(context.Background(), JobSweepExpired)
	assert.ErrorIs(t, err, ErrJobRunning)

	close(sweeper.block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), sweeper.expiredCalls.Load())
}

func TestRunNowAppliesTimeout(t *testing.T) {
	sweeper := &fakeSweeper{block: make(chan struct{})}
	cfg := lifecycleConfig()
	cfg.SweepTimeout = 20 * time.Millisecond
	s, err := New(sweeper, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), JobSweepExpired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidSchedule(t *testing.T) {
	cfg := lifecycleConfig()
	cfg.StaleSchedule = "every tuesday"

	_, err := New(&fakeSweeper{}, cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobSweepStale)
}

func TestStartStop(t *testing.T) {
	s, err := New(&fakeSweeper{}, lifecycleConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
