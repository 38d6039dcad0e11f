package proxy

import (
	"net"
	"time"

	"golang.org/x/time/rate"

	"captcha_gateway/internal/config"
	"captcha_gateway/internal/shard"
)

type RateLimiter interface {
	Allow(net.IP) bool
}

var _ RateLimiter = (*TokenBucketLimiter)(nil)

// TokenBucketLimiter limits new connections per client IP. A rate of 0
// disables it.
type TokenBucketLimiter struct {
	rate     rate.Limit
	capacity int
	buckets  *shard.Map[*rate.Limiter]
	nowF     func() time.Time
}

func NewTokenBucketLimiter(cfg *config.RateLimiterConfig) *TokenBucketLimiter {
	tb := cfg.RateLimiter.TokenBucketLimiter
	return &TokenBucketLimiter{
		rate:     rate.Limit(tb.Rate),
		capacity: int(tb.Capacity),
		buckets:  shard.New[*rate.Limiter](shard.DefaultShards),
		nowF:     time.Now,
	}
}

func (t *TokenBucketLimiter) Allow(ip net.IP) bool {
	if t.rate == 0 {
		return true
	}
	lim := t.buckets.Update(ip.String(), func(cur *rate.Limiter, ok bool) (*rate.Limiter, bool) {
		if !ok {
			cur = rate.NewLimiter(t.rate, t.capacity)
		}
		return cur, true
	})
	return lim.AllowN(t.nowF(), 1)
}

// Sweep drops buckets that have refilled completely; they are
// indistinguishable from new ones.
func (t *TokenBucketLimiter) Sweep() int {
	now := t.nowF()
	return t.buckets.Sweep(func(_ string, lim *rate.Limiter) bool {
		return lim.TokensAt(now) >= float64(t.capacity)
	})
}
