package attempt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by Poll when the condition is not met in time.
var ErrTimeout = errors.New("timed out")

// ExhaustedError is returned by FirstSuccess when no strategy succeeded.
// Last holds the error of the last strategy that was tried.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Attempts == 0 {
		return "no strategies to try"
	}
	if e.Last == nil {
		return fmt.Sprintf("all %d strategies failed", e.Attempts)
	}
	return fmt.Sprintf("all %d strategies failed, last error: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// FirstSuccess tries each strategy in order and returns the result of the first
// one that succeeds. When a strategy fails, next decides whether the remaining
// strategies are still worth trying; a nil next always continues. An error that
// stops the evaluation is returned as is, exhaustion returns an *ExhaustedError.
func FirstSuccess[S, T any](ctx context.Context, strategies []S, try func(context.Context, S) (T, error), next func(error) bool) (T, error) {
	var zero T
	var last error
	for i, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := try(ctx, strategy)
		if err == nil {
			return result, nil
		}
		last = err

		if next != nil && !next(err) && i < len(strategies)-1 {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Attempts: len(strategies), Last: last}
}

// LastError digs through nested *ExhaustedError values and returns the innermost
// concrete error, which is usually the most useful one to report.
func LastError(err error) error {
	for {
		var exhausted *ExhaustedError
		if !errors.As(err, &exhausted) || exhausted.Last == nil {
			return err
		}
		err = exhausted.Last
	}
}

// Poll calls check immediately and then every interval until it reports done,
// returns an error, or timeout elapses. Intervals are fixed, there is no backoff.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(context.Context) (bool, error)) error {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		done, err := check(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
			}
			return err
		}
		if done {
			return nil
		}

		select {
		case <-time.After(interval):
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
