// Package async provides helpers for retrying and awaiting operations that
// might not succeed on the first attempt.
package async

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Retry retries the given function until it doesn't fail. It doubles the
// period between attempts each time.
func Retry(attempts int, sleep time.Duration, fn func() error) error {
	start := time.Now()
	if err := innerRetry(attempts, sleep, 2, fn); err != nil {
		return pkgerrors.Wrapf(err,
			"failed after %d attempts and %s total duration",
			attempts, time.Since(start))
	}
	return nil
}

// RetryNoBackoff retries the given function until it doesn't fail. It keeps
// the amount of time between attempts constant.
func RetryNoBackoff(attempts int, sleep time.Duration, fn func() error) error {
	start := time.Now()
	if err := innerRetry(attempts, sleep, 1, fn); err != nil {
		return pkgerrors.Wrapf(err,
			"failed after %d attempts and %s total duration",
			attempts, time.Since(start))
	}
	return nil
}

func innerRetry(attempts int, sleep time.Duration, factor int, fn func() error) error {
	err := fn()
	for err != nil && attempts > 1 {
		time.Sleep(sleep)
		sleep *= time.Duration(factor)
		attempts--
		err = fn()
	}
	return err
}

// Backoff describes an exponential backoff schedule
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// next doubles the given delay, capped at the max
func (b Backoff) next(current time.Duration) time.Duration {
	if current <= 0 {
		return b.Initial
	}
	doubled := current * 2
	if b.Max > 0 && doubled > b.Max {
		return b.Max
	}
	return doubled
}

// RetryUntilCanceled calls fn until it succeeds or the context is done,
// waiting according to the backoff between attempts. onErr, if non-nil, is
// called with every failure and the attempt number. The only error returned
// is the context error.
func RetryUntilCanceled(ctx context.Context, backoff Backoff,
	fn func(ctx context.Context) error, onErr func(err error, attempt int)) error {
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if onErr != nil {
			onErr(err, attempt)
		}

		delay = backoff.next(delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Await attempts the given condition the specified amount of times, doubling
// the amount of time between each attempt. If the condition doesn't succeed,
// it returns an error saying how many times we tried and how much time it
// took altogether.
func Await(attempts int, sleep time.Duration, fn func() bool, msgs ...string) error {
	start := time.Now()
	ok := fn()
	for remaining := attempts; !ok && remaining > 1; remaining-- {
		time.Sleep(sleep)
		sleep *= 2
		ok = fn()
	}
	if ok {
		return nil
	}

	msg := fmt.Sprintf("condition was not true after %d attempts and %s total waiting time",
		attempts, time.Since(start))
	if len(msgs) != 0 {
		msg += ": " + strings.Join(msgs, " ")
	}
	return errors.New(msg)
}
