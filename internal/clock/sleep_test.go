package clock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/segcache/segcache/internal/clock"
)

func TestSleepInterruptiblyContextCanceled(t *testing.T) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.False(t, clock.SleepInterruptibly(ctx, 3*time.Second))

	dt := time.Since(start)
	require.Greater(t, dt, 90*time.Millisecond)
	require.Less(t, dt, time.Second)
}

func TestSleepInterruptiblyContextNotCanceled(t *testing.T) {
	start := time.Now()

	require.True(t, clock.SleepInterruptibly(context.Background(), 100*time.Millisecond))

	dt := time.Since(start)
	require.Greater(t, dt, 90*time.Millisecond)
	require.Less(t, dt, time.Second)
}

func TestTickNeverMovesBackward(t *testing.T) {
	sec := int64(1_000_000)
	c := clock.NewWithWallClock(func() time.Time { return time.Unix(sec, 0) })
	require.Equal(t, sec, c.Now())

	sec -= 10 // wall clock jumping backward must not move proc_sec backward
	require.Equal(t, int64(1_000_000), c.Tick())

	sec = 1_000_005
	require.Equal(t, int64(1_000_005), c.Tick())
}
