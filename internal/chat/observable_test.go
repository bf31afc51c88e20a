package chat

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-chatkit/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Observable(t *testing.T) {
	t.Run("subscribe delivers the current value", func(t *testing.T) {
		o := NewObservable(42)
		ch, cancel := o.Subscribe()
		defer cancel()

		assert.Equal(t, 42, <-ch, "expected initial value on subscribe")
	})

	t.Run("set notifies subscribers", func(t *testing.T) {
		o := NewObservable(0)
		ch, cancel := o.Subscribe()
		defer cancel()
		<-ch

		o.Set(1)
		assert.Equal(t, 1, <-ch, "expected new value after set")
		assert.Equal(t, 1, o.Value(), "expected Value to return the latest value")
	})

	t.Run("slow subscriber sees the latest value", func(t *testing.T) {
		o := NewObservable(0)
		ch, cancel := o.Subscribe()
		defer cancel()
		<-ch

		// never read between sets; the buffer must coalesce
		o.Set(1)
		o.Set(2)
		o.Set(3)

		assert.Equal(t, 3, <-ch, "expected intermediate values to be dropped")
		select {
		case v := <-ch:
			t.Errorf("expected no further values, got %d", v)
		default:
		}
	})

	t.Run("cancel stops delivery", func(t *testing.T) {
		o := NewObservable(0)
		ch, cancel := o.Subscribe()
		<-ch
		cancel()

		o.Set(1)
		select {
		case v := <-ch:
			t.Errorf("expected no value after cancel, got %d", v)
		default:
		}
	})
}

func Test_Debouncer(t *testing.T) {
	t.Run("burst runs once", func(t *testing.T) {
		fired := make(chan struct{}, 10)
		d := NewDebouncer(20 * time.Millisecond)
		defer d.Stop()

		for i := 0; i < 5; i++ {
			d.Submit(func() { fired <- struct{}{} })
		}

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("timeout: debounced function never ran")
		}

		time.Sleep(50 * time.Millisecond)
		assert.Len(t, fired, 0, "expected the burst to coalesce into one call")
	})

	t.Run("flush runs immediately", func(t *testing.T) {
		fired := make(chan struct{}, 1)
		d := NewDebouncer(time.Hour)
		defer d.Stop()

		d.Submit(func() { fired <- struct{}{} })
		d.Flush()

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("timeout: flush did not run the pending function")
		}
	})

	t.Run("stop drops the pending function", func(t *testing.T) {
		fired := make(chan struct{}, 1)
		d := NewDebouncer(10 * time.Millisecond)

		d.Submit(func() { fired <- struct{}{} })
		d.Stop()

		time.Sleep(50 * time.Millisecond)
		assert.Len(t, fired, 0, "expected stop to drop the pending function")
	})
}

func Test_DefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy{}

	t.Run("retries network errors up to the limit", func(t *testing.T) {
		err := types.NewNetworkError("connection reset", nil)
		assert.True(t, policy.ShouldRetry(1, err), "expected first retry")
		assert.True(t, policy.ShouldRetry(2, err), "expected second retry")
		assert.False(t, policy.ShouldRetry(3, err), "expected retries to stop at the limit")
	})

	t.Run("never retries validation errors", func(t *testing.T) {
		assert.False(t, policy.ShouldRetry(1, types.NewValidationError("bad input")))
	})

	t.Run("backoff grows quadratically", func(t *testing.T) {
		err := types.NewNetworkError("connection reset", nil)
		assert.Equal(t, time.Second, policy.RetryTimeout(1, err))
		assert.Equal(t, 4*time.Second, policy.RetryTimeout(2, err))
		assert.Equal(t, 9*time.Second, policy.RetryTimeout(3, err))
	})

	t.Run("custom attempt limit", func(t *testing.T) {
		limited := DefaultRetryPolicy{MaxAttempts: 1}
		err := types.NewNetworkError("connection reset", nil)
		assert.False(t, limited.ShouldRetry(1, err), "expected a single attempt")
	})
}

func Test_runAndRetry(t *testing.T) {
	t.Run("stops when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		err := runAndRetry(ctx, DefaultRetryPolicy{}, func(context.Context) error {
			calls++
			return types.NewNetworkError("unreachable", nil)
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls, "expected no further attempts after cancellation")
	})

	t.Run("returns the last error when retries are exhausted", func(t *testing.T) {
		calls := 0
		err := runAndRetry(context.Background(), immediateRetryPolicy{maxAttempts: 3}, func(context.Context) error {
			calls++
			return types.NewNetworkError("unreachable", nil)
		})
		assert.True(t, types.HasCode(err, types.ErrCodeNetwork), "expected the network error to surface")
		assert.Equal(t, 3, calls, "expected the configured number of attempts")
	})
}
