package ingestor

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy wraps an operation with retries.
type RetryPolicy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type nopRetry struct{}

func (nopRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Backoff grows a delay exponentially from Base, doubling per failure, and
// caps it at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// minFailureDelay keeps a zero Base from spinning on repeated failures.
const minFailureDelay = 100 * time.Millisecond

// Delay returns the wait after the given number of consecutive failures.
// Zero failures yields Base.
func (b Backoff) Delay(failures int) time.Duration {
	d := b.Base
	if failures <= 0 {
		if d < 0 {
			return 0
		}
		return d
	}
	if d <= 0 {
		d = minFailureDelay
	}
	max := b.Max
	if max < d {
		max = d
	}
	for i := 0; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// SimpleRetry retries an operation using exponential backoff.
//
// It retries on any error returned by fn. If you need conditional retries,
// wrap fn and decide which errors to return.
type SimpleRetry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
}

func (r SimpleRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleeps := r.BaseDelay > 0 || r.MaxDelay > 0

	base := r.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := r.MaxDelay
	if max <= 0 {
		max = 2 * time.Second
	}
	backoff := Backoff{Base: base, Max: max}

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if last = fn(ctx); last == nil {
			return nil
		}
		if i == attempts-1 || !sleeps {
			continue
		}

		d := backoff.Delay(i)
		if r.Jitter {
			d = time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
			if d > backoff.Max {
				d = backoff.Max
			}
		}
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
	return last
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
