package delivery

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

// ErrRetryable marks an error worth retrying after a backoff interval.
var ErrRetryable = errors.New("retryable delivery error")

// Retryer runs a function until it succeeds, fails with an error that is
// not ErrRetryable, or the context ends.
type Retryer struct {
	retryFunc    func(ctx context.Context) error
	interval     time.Duration
	backoffCoeff int
	maxInterval  time.Duration
}

// NewRetryer waits interval*backoffCoeff^n before the n-th retry, capped at
// maxInterval when it is positive.
func NewRetryer(retryFunc func(ctx context.Context) error, interval time.Duration, backoffCoeff int, maxInterval time.Duration) *Retryer {
	return &Retryer{
		retryFunc:    retryFunc,
		interval:     interval,
		backoffCoeff: backoffCoeff,
		maxInterval:  maxInterval,
	}
}

// Run tries until success, a non-retryable error or cancellation.
func (r *Retryer) Run(ctx context.Context) error {
	for cnt := 0; ; cnt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.retryFunc(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRetryable) {
			return err
		}

		interval := retryInterval(r.interval, r.backoffCoeff, cnt, r.maxInterval)
		slog.Warn("retrying delivery", "attempt", cnt+1, "interval_ms", interval.Milliseconds(), "error", err)
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func retryInterval(interval time.Duration, backoffCoeff, retryCount int, maxInterval time.Duration) time.Duration {
	coeff := math.Pow(float64(max(backoffCoeff, 1)), float64(retryCount))
	d := time.Duration(float64(interval) * coeff)
	if maxInterval > 0 && (d > maxInterval || d <= 0) {
		return maxInterval
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
