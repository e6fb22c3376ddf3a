// Package retry re-invokes routing attempts on different workers with
// bounded attempts and jittered exponential backoff, and wraps attempts with
// deadlines.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/logger"
)

// Attempt dispatches one routing attempt. It must not select any worker in
// excluded and must attribute failures to a worker id where one is known.
type Attempt[T any] func(ctx context.Context, excluded map[string]struct{}) (T, error)

// FailureHook observes each failed attempt before the retry decision. attempt
// is zero-based; workerID may be empty when the failure preceded selection.
type FailureHook func(workerID string, attempt int, err error)

type Executor struct {
	cfg    config.RetryConfig
	logger *logger.StyledLogger
}

func NewExecutor(cfg config.RetryConfig, log *logger.StyledLogger) *Executor {
	return &Executor{cfg: cfg, logger: log}
}

func (e *Executor) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialDelay
	bo.MaxInterval = e.cfg.MaxDelay
	bo.Multiplier = e.cfg.BackoffMultiplier
	if e.cfg.Jitter {
		bo.RandomizationFactor = 0.3
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0 // attempt count bounds the loop, not elapsed time
	bo.Reset()
	return bo
}

// Do runs attempt up to maxRetries+1 times, excluding each failed worker
// from subsequent selection. Non-retryable errors and the final attempt's
// error surface unchanged.
func Do[T any](ctx context.Context, e *Executor, requestID string, attempt Attempt[T], onFailure FailureHook) (T, error) {
	var zero T

	excluded := make(map[string]struct{})
	bo := e.newBackOff()

	var lastErr error
	for k := 0; k <= e.cfg.MaxRetries; k++ {
		if err := ctx.Err(); err != nil {
			return zero, domain.NewCancelledError("request cancelled before attempt")
		}

		result, err := attempt(ctx, excluded)
		if err == nil {
			return result, nil
		}
		lastErr = err

		failedWorker := domain.WorkerOf(err)
		if onFailure != nil {
			onFailure(failedWorker, k, err)
		}

		if !domain.IsRetryable(err) || k == e.cfg.MaxRetries {
			return zero, err
		}

		if failedWorker != "" {
			excluded[failedWorker] = struct{}{}
		}

		delay := bo.NextBackOff()
		e.logger.Debug("Retrying attempt",
			"request_id", requestID,
			"attempt", k+1,
			"delay", delay,
			"excluded", len(excluded),
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, domain.NewCancelledError("request cancelled during backoff")
		case <-timer.C:
		}
	}

	return zero, lastErr
}
