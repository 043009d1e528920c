package changefeed

import (
	"context"
	"time"
)

// Debounce merges bursts read from in and emits the merged value once no new
// value has arrived for window. The pending value is flushed when in closes.
// The returned channel closes when ctx ends or in is drained.
func Debounce[T any](ctx context.Context, in <-chan T, window time.Duration, merge func(T, T) T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		timer := time.NewTimer(window)
		timer.Stop()
		defer timer.Stop()

		var (
			pending    T
			hasPending bool
		)
		emit := func() bool {
			select {
			case out <- pending:
				var zero T
				pending, hasPending = zero, false
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			var fire <-chan time.Time
			if hasPending {
				fire = timer.C
			}
			select {
			case <-ctx.Done():
				return
			case value, ok := <-in:
				if !ok {
					if hasPending {
						emit()
					}
					return
				}
				if hasPending {
					pending = merge(pending, value)
				} else {
					pending, hasPending = value, true
				}
				timer.Reset(window)
			case <-fire:
				if !emit() {
					return
				}
			}
		}
	}()
	return out
}
