package provider

import (
	"context"
	"sync"
	"time"

	"nordapi-gateway/internal/config"
	"nordapi-gateway/internal/services/metrics"

	"golang.org/x/sync/semaphore"
)

// RateLimiter bounds concurrent outbound calls and enforces a minimum
// spacing between call starts. Waiters are admitted in simple wait order;
// there is no fairness guarantee beyond that.
type RateLimiter struct {
	sem         *semaphore.Weighted
	minInterval time.Duration
	metrics     *metrics.Service

	mu        sync.Mutex
	nextStart time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig, m *metrics.Service) *RateLimiter {
	return &RateLimiter{
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		minInterval: cfg.MinInterval,
		metrics:     m,
	}
}

// Acquire blocks until a permit is available and the minimum spacing since
// the previous call start has elapsed, or ctx is done. The returned release
// function must be called exactly when the guarded call completes, success
// or not; it is safe to call more than once.
func (l *RateLimiter) Acquire(ctx context.Context) (release func(), err error) {
	started := time.Now()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if wait := l.reserveSlot(); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.sem.Release(1)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	l.metrics.RecordRateLimiterWait(time.Since(started))

	var once sync.Once
	return func() {
		once.Do(func() { l.sem.Release(1) })
	}, nil
}

// reserveSlot claims the next start time and returns how long the caller
// must wait for it. Claiming before sleeping keeps the spacing correct when
// several goroutines arrive at once.
func (l *RateLimiter) reserveSlot() time.Duration {
	if l.minInterval <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	wait := l.nextStart.Sub(now)
	if wait < 0 {
		wait = 0
	}
	l.nextStart = now.Add(wait + l.minInterval)
	return wait
}
