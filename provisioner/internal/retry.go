package internal

import (
	"context"
	"time"
)

// Retry calls fn up to maxAttempts times, doubling the delay between attempts
// (delay, 2×delay, 4×delay, ...). It returns the last error if all attempts fail,
// or ctx.Err() if the context is cancelled while waiting. fn is always called once.
func Retry(ctx context.Context, maxAttempts int, delay time.Duration, fn func(context.Context) error) error {
	maxAttempts = max(maxAttempts, 1)

	var err error
	for i := 0; i < maxAttempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i < maxAttempts-1 {
			select {
			case <-time.After(delay << i):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}
