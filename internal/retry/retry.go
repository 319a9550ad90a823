// Package retry provides the single backoff policy shared by release
// resolution and downloading, so transient network failures are handled
// the same way everywhere instead of ad hoc per call site.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Permanent wraps an error that must not be retried (integrity
// mismatches, 4xx rejections). Do surfaces it immediately.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Policy bounds the retry loop. The delay doubles each attempt starting
// from BaseDelay, capped at MaxDelay, with random jitter of up to half
// the delay added on top.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy mirrors the download defaults: three attempts starting
// at one second.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay returns the backoff delay before the given retry (attempt is
// 1-based; the delay is applied after attempt fails).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := time.Duration(math.Pow(2, float64(attempt-1))) * p.BaseDelay
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	}
	return d
}

// Do runs fn until it succeeds, returns a Permanent error, the context
// is cancelled, or MaxAttempts is exhausted. Context cancellation is
// returned as ctx.Err() so callers can distinguish a cancelled outcome
// from a failure.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		lastErr = err

		if attempt < p.MaxAttempts {
			select {
			case <-time.After(p.Delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}
