package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

// maxAttempts bounds execution retries. Only transient faults of retryable
// (generation-class) capabilities are retried; destructive capabilities are
// never re-executed once attempted.
const maxAttempts = 3

// backoff returns the deterministic delay before the given retry attempt
// (attempt 1 is the first retry).
func backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// retryable reports whether an execution error may be retried for a
// capability marked Retryable.
func retryable(err error) bool {
	var fault *contracts.ExecutorFault
	if errors.As(err, &fault) {
		return fault.Transient
	}
	return false
}

// sleeper lets tests collapse backoff delays.
type sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
