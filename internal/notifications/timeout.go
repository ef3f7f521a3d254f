package notifications

import (
	"context"
	"fmt"
	"time"
)

// callWithTimeout runs fn with a deadline of d and returns once fn returns or the
// deadline passes, whichever is first. A transport that ignores ctx therefore cannot
// hold a fan-out slot past the bound. Panics in fn are returned as errors.
func callWithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return safeCall(ctx, fn)
	}

	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- safeCall(callCtx, fn)
	}()

	select {
	case err := <-errCh:
		return err
	case <-callCtx.Done():
		return fmt.Errorf("send exceeded %s: %w", d, callCtx.Err())
	}
}

func safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
