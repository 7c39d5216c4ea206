package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"nexus-pipeline/pkg/clock"
	"nexus-pipeline/pkg/config"
	"nexus-pipeline/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *clock.FakeClock, func()) {
	t.Helper()
	mr, client := testutil.NewTestRedis(t)

	cfg := &config.Config{}
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Limit = limit
	cfg.RateLimit.Window = window

	fc := clock.NewFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	return NewLimiter(Params{Client: client, Config: cfg, Clock: fc}), fc, mr.Close
}

func TestSlidingWindowAdmitsExactlyLimit(t *testing.T) {
	l, fc, _ := newTestLimiter(t, 100, 900*time.Second)
	ctx := context.Background()

	allowed, denied := 0, 0
	for i := 0; i < 110; i++ {
		d := l.IsAllowed(ctx, "org-1")
		if d.Allowed {
			allowed++
			require.Zero(t, d.RetryAfter)
		} else {
			denied++
			require.Greater(t, d.RetryAfter, 0)
		}
		fc.Advance(10 * time.Millisecond)
	}

	require.Equal(t, 100, allowed)
	require.Equal(t, 10, denied)
	require.Equal(t, 100, l.CurrentCount(ctx, "org-1"))
}

func TestRetryAfterTracksOldestRequest(t *testing.T) {
	l, fc, _ := newTestLimiter(t, 2, 60*time.Second)
	ctx := context.Background()

	require.True(t, l.IsAllowed(ctx, "org-1").Allowed)
	fc.Advance(20 * time.Second)
	require.True(t, l.IsAllowed(ctx, "org-1").Allowed)
	fc.Advance(10 * time.Second)

	d := l.IsAllowed(ctx, "org-1")
	require.False(t, d.Allowed)
	require.Equal(t, 30, d.RetryAfter)
	require.Zero(t, d.Remaining())

	fc.Advance(31 * time.Second)
	d = l.IsAllowed(ctx, "org-1")
	require.True(t, d.Allowed)
	require.Equal(t, 2, d.Count)
}

func TestWindowsAreIsolatedPerOrganisation(t *testing.T) {
	l, _, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	require.True(t, l.IsAllowed(ctx, "org-1").Allowed)
	require.False(t, l.IsAllowed(ctx, "org-1").Allowed)
	require.True(t, l.IsAllowed(ctx, "org-2").Allowed)
}

func TestSimultaneousRequestsCountSeparately(t *testing.T) {
	l, _, _ := newTestLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.IsAllowed(ctx, "org-1").Allowed)
	}
	require.False(t, l.IsAllowed(ctx, "org-1").Allowed)
}

func TestFailsOpenWhenStoreIsDown(t *testing.T) {
	l, _, stop := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()
	stop()

	for i := 0; i < 3; i++ {
		require.True(t, l.IsAllowed(ctx, "org-1").Allowed)
	}
	require.Zero(t, l.CurrentCount(ctx, "org-1"))
}

func TestCheckReturnsExceededError(t *testing.T) {
	l, _, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	_, err := l.Check(ctx, "org-1")
	require.NoError(t, err)

	_, err = l.Check(ctx, "org-1")
	require.ErrorIs(t, err, ErrRateLimited)

	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	require.Equal(t, 60, exceeded.RetryAfter)
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	l, _, _ := newTestLimiter(t, 1, time.Minute)
	l.enabled = false

	for i := 0; i < 3; i++ {
		require.True(t, l.IsAllowed(context.Background(), "org-1").Allowed)
	}
}
