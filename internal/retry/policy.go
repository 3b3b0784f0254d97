// Package retry holds the single backoff policy shared by the poller,
// persistence and confirmation delivery.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"LifelogRouter/internal/domain"
)

// Policy is exponential backoff driven by the domain error taxonomy.
// MaxAttempts of zero means retry until the context ends.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	// Jitter spreads delays by up to this fraction of the computed delay.
	Jitter float64

	sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		Initial:     200 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
		Jitter:      0.1,
	}
}

// WithSleep replaces the wait function, used by tests to avoid real sleeps.
func (p Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = fn
	return p
}

// Delay returns the backoff before retry number attempt (1-based), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.Initial
	if initial <= 0 {
		initial = Default().Initial
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// DelayFor picks the wait after err: the server-given delay when rate limited, else backoff.
func (p Policy) DelayFor(err error, attempt int) time.Duration {
	if d, ok := domain.RetryAfter(err); ok {
		return d
	}
	d := p.Delay(attempt)
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts run out
// or ctx ends. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}
		if waitErr := p.wait(ctx, p.DelayFor(err, attempt)); waitErr != nil {
			return err
		}
	}
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
