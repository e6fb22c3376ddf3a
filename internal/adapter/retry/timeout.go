package retry

import (
	"context"
	"errors"
	"time"

	"github.com/convoy-ml/convoy/internal/core/domain"
)

// WithTimeout wraps an asynchronous operation with a deadline. Cancellation
// propagates through the derived context into anything the operation
// dispatches; expiry is reported as a TimeoutError tagged with the method
// name and the observed duration.
func WithTimeout[T any](ctx context.Context, method, requestID string, budget time.Duration, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()

	tctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	v, err := fn(tctx)
	if err == nil {
		return v, nil
	}

	// Distinguish our deadline from a caller cancellation.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		var zero T
		return zero, &domain.TimeoutError{
			Method:    method,
			RequestID: requestID,
			Timeout:   budget,
			Elapsed:   time.Since(start),
		}
	}
	return v, err
}

// Budget picks the attempt deadline for a request: streaming requests use
// the streaming budget even for the first-token wait.
func Budget(stream bool, standard, streaming time.Duration) time.Duration {
	if stream {
		return streaming
	}
	return standard
}
