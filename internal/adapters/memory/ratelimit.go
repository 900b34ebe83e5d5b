package memory

import (
	"context"
	"sync"
	"time"

	"github.com/zhiquai/aigrading/internal/ports"
)

type window struct {
	start time.Time
	count int64
}

// RateLimiter is a fixed-window counter used when no Redis is configured.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: map[string]window{}}
}

func (l *RateLimiter) Allow(_ context.Context, key string, limit int, size time.Duration, now time.Time) (ports.RateDecision, error) {
	start := now.Truncate(size)
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if !w.start.Equal(start) {
		w = window{start: start}
	}
	w.count++
	l.windows[key] = w
	return ports.RateDecision{
		Allowed: w.count <= int64(limit),
		Count:   w.count,
		ResetAt: start.Add(size),
	}, nil
}
