package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstThenDeny(t *testing.T) {
	tb := NewTokenBucket(3)
	assert.Equal(t, 3, tb.Capacity())
	for i := 0; i < 3; i++ {
		assert.True(t, tb.Allow(), "token %d", i)
	}
	assert.False(t, tb.Allow())
	assert.False(t, tb.AllowN(2))
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(50)
	require.True(t, tb.AllowN(50))
	assert.False(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tb.Wait(ctx))
}

func TestTokenBucketAllowN(t *testing.T) {
	tb := NewTokenBucket(5)
	assert.False(t, tb.AllowN(6), "more than the burst is never allowed")
	assert.True(t, tb.AllowN(3))
	assert.True(t, tb.AllowN(2))
	assert.False(t, tb.AllowN(1))
}

func TestTokenBucketUnlimited(t *testing.T) {
	tb := NewTokenBucket(0)
	for i := 0; i < 1000; i++ {
		require.True(t, tb.Allow())
	}
}

func TestFactory(t *testing.T) {
	limiter := Factory()(1)
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
}
