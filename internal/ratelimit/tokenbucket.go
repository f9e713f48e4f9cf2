package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// TokenBucket limits CMPP_SUBMIT on one session to a per-second rate. The
// bucket starts full and holds one second worth of tokens.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a bucket refilled at perSecond tokens per second.
// A non-positive rate allows everything.
func NewTokenBucket(perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return &TokenBucket{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

// Allow consumes a token if one is available
func (tb *TokenBucket) Allow() bool {
	return tb.limiter.Allow()
}

// AllowN consumes n tokens if they are all available
func (tb *TokenBucket) AllowN(n int) bool {
	return tb.limiter.AllowN(time.Now(), n)
}

// Wait blocks until a token is available or ctx is done
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.limiter.Wait(ctx)
}

// Tokens returns the tokens currently available
func (tb *TokenBucket) Tokens() float64 {
	return tb.limiter.Tokens()
}

// Capacity returns the bucket size
func (tb *TokenBucket) Capacity() int {
	return tb.limiter.Burst()
}

// Factory builds a TokenBucket for each authenticated session
func Factory() cmpp.LimiterFactory {
	return func(perSecond int) cmpp.FlowLimiter {
		return NewTokenBucket(perSecond)
	}
}
