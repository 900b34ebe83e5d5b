package ports

import (
	"context"
	"time"
)

type RateDecision struct {
	Allowed bool
	Count   int64
	ResetAt time.Time
}

// RateLimiter counts hits per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (RateDecision, error)
}
