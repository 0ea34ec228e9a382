// Package ratelimit spaces outbound requests made on behalf of one module activation.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/transparent-crawler/internal/metrics"
)

// DefaultInterval is the minimum gap between request starts.
const DefaultInterval = time.Second

// Throttle enforces a minimum interval between the start of consecutive
// requests. A single-token bucket refilled once per interval gives exactly
// that: the first request passes immediately, each later one waits until
// interval has elapsed since the previous start.
type Throttle struct {
	limiter *rate.Limiter
}

// New creates a Throttle. A non-positive interval disables throttling.
func New(interval time.Duration) *Throttle {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next request may start and returns the time spent waiting.
func (t *Throttle) Wait(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("throttle wait: %w", err)
	}
	waited := time.Since(start)
	if waited > time.Millisecond {
		metrics.ObserveThrottleWait(waited)
	}
	return waited, nil
}
