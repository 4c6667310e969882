// Package wait polls a condition until it holds or a budget runs out.
package wait

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Until when the predicate never held.
var ErrTimeout = errors.New("condition not met before timeout")

// Condition reports whether the awaited state was reached. A non-nil error
// aborts the wait.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates cond immediately and then every interval until it returns
// true, returns an error, the timeout elapses or ctx ends. A timeout of zero
// waits on ctx alone.
func Until(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
