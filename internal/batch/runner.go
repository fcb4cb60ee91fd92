package batch

import (
	"context"
	"time"
)

// Runner splits work into fixed-size batches with a pause between them.
type Runner struct {
	Size  int
	Delay time.Duration
}

// Run calls fn for each consecutive batch of items. It stops early when fn
// returns false or an error, or when ctx is done during a pause. It returns
// the number of items handed to fn.
func Run[T any](ctx context.Context, r Runner, items []T, fn func(ctx context.Context, batch []T) (bool, error)) (int, error) {
	size := r.Size
	if size < 1 {
		size = 1
	}

	done := 0
	for start := 0; start < len(items); start += size {
		if start > 0 && r.Delay > 0 {
			timer := time.NewTimer(r.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return done, ctx.Err()
			case <-timer.C:
			}
		}

		end := min(start+size, len(items))
		more, err := fn(ctx, items[start:end])
		if err != nil {
			return done, err
		}
		done = end
		if !more {
			break
		}
	}
	return done, nil
}
