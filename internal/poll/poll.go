// Package poll runs fixed-interval polling loops for long-running operations.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// Outcome is the result of one poll attempt.
type Outcome[T any] struct {
	done  bool
	value T
	err   error
}

// Continue asks for another attempt.
func Continue[T any]() Outcome[T] { return Outcome[T]{} }

// Done stops polling with a value.
func Done[T any](v T) Outcome[T] { return Outcome[T]{done: true, value: v} }

// Fail stops polling with an error.
func Fail[T any](err error) Outcome[T] { return Outcome[T]{done: true, err: err} }

type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	// Timeout bounds the whole loop; zero means no bound besides ctx.
	Timeout time.Duration
}

// DefaultOptions matches the cadence used for spawn, resize and migration.
func DefaultOptions() Options {
	return Options{Interval: 2 * time.Second, InitialDelay: 3 * time.Second}
}

// Until calls fn after the initial delay and then every interval until fn
// reports Done or Fail, the timeout elapses, or ctx is cancelled. The
// timeout covers the initial delay.
func Until[T any](ctx context.Context, opts Options, fn func(context.Context) Outcome[T]) (T, error) {
	var (
		zero     T
		result   Outcome[T]
		attempts int
	)
	if err := ctx.Err(); err != nil {
		return zero, stopped(ctx, err, attempts)
	}
	start := time.Now()
	if opts.InitialDelay > 0 {
		delay := opts.InitialDelay
		if opts.Timeout > 0 && opts.Timeout < delay {
			delay = opts.Timeout
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, stopped(ctx, ctx.Err(), attempts)
		case <-t.C:
		}
	}

	condition := func(ctx context.Context) (bool, error) {
		attempts++
		result = fn(ctx)
		return result.done, nil
	}
	var err error
	if opts.Timeout > 0 {
		left := opts.Timeout - time.Since(start)
		if left <= 0 {
			return zero, stopped(ctx, context.DeadlineExceeded, attempts)
		}
		err = wait.PollUntilContextTimeout(ctx, opts.Interval, left, true, condition)
	} else {
		err = wait.PollUntilContextCancel(ctx, opts.Interval, true, condition)
	}
	if err != nil {
		return zero, stopped(ctx, err, attempts)
	}
	return result.value, result.err
}

func stopped(ctx context.Context, err error, attempts int) error {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return syncerr.Wrap(syncerr.Cancelled, "poll", err)
	}
	return syncerr.Wrap(syncerr.Transient, "poll", fmt.Errorf("timed out after %d attempts: %w", attempts, err))
}
