package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	t.Parallel()
	t.Run("succeeds after failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(4, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := RetryNoBackoff(3, time.Millisecond, func() error {
			calls++
			return errors.New("never")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "failed after 3 attempts")
	})
}

func TestRetryUntilCanceled(t *testing.T) {
	t.Parallel()
	t.Run("retries until success", func(t *testing.T) {
		t.Parallel()
		calls := 0
		var seen []int
		err := RetryUntilCanceled(context.Background(),
			Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond},
			func(context.Context) error {
				calls++
				if calls < 5 {
					return errors.New("store down")
				}
				return nil
			}, func(_ error, attempt int) {
				seen = append(seen, attempt)
			})
		require.NoError(t, err)
		assert.Equal(t, 5, calls)
		assert.Equal(t, []int{1, 2, 3, 4}, seen)
	})

	t.Run("stops when canceled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := RetryUntilCanceled(ctx, Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
			func(context.Context) error { return errors.New("store down") }, nil)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}

func TestBackoffCapsAtMax(t *testing.T) {
	t.Parallel()
	b := Backoff{Initial: time.Second, Max: 3 * time.Second}
	assert.Equal(t, time.Second, b.next(0))
	assert.Equal(t, 2*time.Second, b.next(time.Second))
	assert.Equal(t, 3*time.Second, b.next(2*time.Second))
}

func TestAwait(t *testing.T) {
	t.Parallel()
	calls := 0
	require.NoError(t, Await(3, time.Millisecond, func() bool {
		calls++
		return calls == 2
	}))

	err := Await(2, time.Millisecond, func() bool { return false }, "never", "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never true")
}
