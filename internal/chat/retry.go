package chat

import (
	"context"
	"time"

	"github.com/npezzotti/go-chatkit/internal/types"
)

// RetryPolicy decides whether a failed remote call is retried, and how
// long to wait before the next attempt.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) bool
	RetryTimeout(attempt int, err error) time.Duration
}

// DefaultRetryPolicy retries transient network failures a few times
// with quadratic backoff. Validation failures are never retried.
type DefaultRetryPolicy struct {
	MaxAttempts int
}

const defaultMaxAttempts = 3

func (p DefaultRetryPolicy) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return defaultMaxAttempts
}

func (p DefaultRetryPolicy) ShouldRetry(attempt int, err error) bool {
	if !types.HasCode(err, types.ErrCodeNetwork) {
		return false
	}
	return attempt < p.maxAttempts()
}

func (p DefaultRetryPolicy) RetryTimeout(attempt int, err error) time.Duration {
	return time.Duration(attempt*attempt) * time.Second
}

// runAndRetry runs fn, repeating per the policy. The last error is
// returned once the policy gives up or the context ends.
func runAndRetry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	attempt := 1
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !policy.ShouldRetry(attempt, err) {
			return err
		}

		select {
		case <-time.After(policy.RetryTimeout(attempt, err)):
		case <-ctx.Done():
			return err
		}
		attempt++
	}
}
