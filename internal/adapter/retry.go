package adapter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"assessment-sync/internal/logger"
	"assessment-sync/internal/syncerr"
)

// RetryPolicy bounds batch I/O. MaxAttempts counts every attempt, the first
// included.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	// Timeout bounds a single attempt; zero leaves it to ctx.
	Timeout time.Duration

	// Sleep waits between attempts; nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is 3 attempts, 1s base, 30s cap, 60s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Second, Cap: 30 * time.Second, Timeout: 60 * time.Second}
}

// Backoff returns the wait before attempt n+1 after n failed attempts.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base * time.Duration(1<<min(n-1, 16))
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempts run out. Exhaustion returns a transient error wrapping the last
// failure so callers can escalate it.
func Do(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !syncerr.IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		wait := p.Backoff(attempt)
		logger.Log.Warn("transient failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return syncerr.Transient(op, fmt.Errorf("gave up after %d attempts: %w", attempts, err))
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(actx)
	if err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return syncerr.Transient("attempt timeout", err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
