package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterWait(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 = one token every 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://api.example.com/v1/artists"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://api.example.com/v1/artists"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/1"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "host B blocked by host A")
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "https://api.example.com"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterPause(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.Pause("https://api.example.com/x", 100*time.Millisecond)
	l.Pause("https://api.example.com/y", 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "https://api.example.com/z"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterWaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.Pause("https://api.example.com", time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Wait(ctx, "https://api.example.com"), context.Canceled)
}
