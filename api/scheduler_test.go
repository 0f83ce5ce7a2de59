package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExpirer struct {
	mu      sync.Mutex
	calls   []time.Duration
	now     []time.Time
	expired int
	err     error
}

func (f *fakeExpirer) ExpireStale(_ context.Context, now time.Time, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, timeout)
	f.now = append(f.now, now)
	return f.expired, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExpiryScheduler_Disabled(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		timeout  time.Duration
	}{
		{"empty schedule", "", time.Hour},
		{"zero timeout", "*/5 * * * *", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewExpiryScheduler(&fakeExpirer{}, tt.schedule, tt.timeout, discardLogger())
			require.NoError(t, s.Start(context.Background()))
			assert.False(t, s.IsRunning())
			assert.Nil(t, s.NextRun())
		})
	}
}

func TestExpiryScheduler_InvalidSchedule(t *testing.T) {
	s := NewExpiryScheduler(&fakeExpirer{}, "every tuesday", time.Hour, discardLogger())
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron schedule")
	assert.False(t, s.IsRunning())
}

func TestExpiryScheduler_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewExpiryScheduler(&fakeExpirer{}, "*/15 * * * *", time.Hour, discardLogger())
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	require.NotNil(t, s.NextRun())
	assert.True(t, s.NextRun().After(time.Now()))

	// Starting twice is a no-op.
	require.NoError(t, s.Start(ctx))

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()
}

func TestExpiryScheduler_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewExpiryScheduler(&fakeExpirer{}, "@hourly", time.Hour, discardLogger())
	require.NoError(t, s.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestExpiryScheduler_RunNow(t *testing.T) {
	fixed := time.Date(2025, time.March, 12, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	exp := &fakeExpirer{expired: 3}
	s := NewExpiryScheduler(exp, "@hourly", 24*time.Hour, discardLogger())
	s.now = func() time.Time { return fixed }

	assert.Equal(t, 3, s.RunNow(context.Background()))
	require.Len(t, exp.calls, 1)
	assert.Equal(t, 24*time.Hour, exp.calls[0])
	assert.Equal(t, time.UTC, exp.now[0].Location())
	assert.True(t, fixed.Equal(exp.now[0]))

	exp.err = errors.New("database is locked")
	exp.expired = 1
	assert.Equal(t, 1, s.RunNow(context.Background()), "partial progress is still reported")
}
