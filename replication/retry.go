package replication

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

// ErrRetryable marks an error after which the replication stream should be
// restarted rather than abandoned.
var ErrRetryable = errors.New("retryable replication error")

// Retryer runs a function until it succeeds, fails with an error that does
// not wrap ErrRetryable, or the context is done. The wait between attempts
// grows by backoffCoeff each time, up to maxInterval. An attempt that ran
// longer than maxInterval resets the backoff.
type Retryer struct {
	retryFunc    func(ctx context.Context) error
	interval     time.Duration
	maxInterval  time.Duration
	backoffCoeff int
	logger       *slog.Logger
	onRetry      func(err error, wait time.Duration)
}

func NewRetryer(retryFunc func(ctx context.Context) error, interval, maxInterval time.Duration, backoffCoeff int, logger *slog.Logger) *Retryer {
	if backoffCoeff < 1 {
		backoffCoeff = 1
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retryer{
		retryFunc:    retryFunc,
		interval:     interval,
		maxInterval:  maxInterval,
		backoffCoeff: backoffCoeff,
		logger:       logger,
	}
}

// Run tries retryFunc until it succeeds, it returns a non-retryable error, or
// the context is canceled.
func (r *Retryer) Run(ctx context.Context) error {
	cnt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := r.retryFunc(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRetryable) {
			r.logger.Warn("Caught a non-retryable error.", "error", err)
			return err
		}
		if time.Since(start) > r.maxInterval {
			cnt = 0
		}
		wait := retryInterval(r.interval, r.maxInterval, r.backoffCoeff, cnt)
		cnt++
		r.logger.Warn("Caught a retryable error, retrying.", "wait", wait, "attempt", cnt, "error", err)
		if r.onRetry != nil {
			r.onRetry(err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func retryInterval(interval, maxInterval time.Duration, backoffCoeff, retryCount int) time.Duration {
	coeff := math.Pow(float64(backoffCoeff), float64(retryCount))
	d := time.Duration(float64(interval) * coeff)
	if d > maxInterval || d <= 0 {
		return maxInterval
	}
	return d
}
