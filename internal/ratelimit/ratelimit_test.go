package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketprism-collector/internal/types"
)

func TestBurstThenDenied(t *testing.T) {
	r := NewRegistry(10, 20)
	// Tiny bucket: 2 tokens, refilling far too slowly to matter here.
	r.Configure(types.Binance, "depth", 2, 0.001)

	assert.True(t, r.Allow(types.Binance, "depth"))
	assert.True(t, r.Allow(types.Binance, "depth"))
	assert.False(t, r.Allow(types.Binance, "depth"))
}

func TestAcquireTimesOutAsRateLimited(t *testing.T) {
	r := NewRegistry(10, 20)
	r.Configure(types.OKX, "depth", 1, 0.001)

	ctx := context.Background()
	require.NoError(t, r.Acquire(ctx, types.OKX, "depth"))

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := r.Acquire(waitCtx, types.OKX, "depth")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRateLimited)
}

func TestBucketsAreIndependent(t *testing.T) {
	r := NewRegistry(10, 20)
	r.Configure(types.Binance, "depth", 1, 0.001)
	r.Configure(types.Binance, "market", 1, 0.001)

	assert.True(t, r.Allow(types.Binance, "depth"))
	assert.False(t, r.Allow(types.Binance, "depth"))
	// Exhausting the depth class leaves the market class untouched.
	assert.True(t, r.Allow(types.Binance, "market"))
}

func TestUnconfiguredBucketUsesDefaults(t *testing.T) {
	r := NewRegistry(5, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow(types.Deribit, "market"), "token %d", i)
	}
	assert.False(t, r.Allow(types.Deribit, "market"))
}
