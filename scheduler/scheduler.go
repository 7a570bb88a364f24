// Package scheduler bounds how many workers run against the AWS APIs at
// once. Slot-based: a new worker launches as soon as any running one
// finishes, not when a whole batch drains.
package scheduler

import (
	"context"
	"sync"
)

// ForEach runs fn for every index in [0, n) with at most limit invocations
// in flight at any instant. Dispatch blocks on a free slot; once the context
// is cancelled no further work is dispatched, and in-flight workers see the
// cancellation through their own ctx. Returns after every dispatched worker
// has finished.
//
// Workers must not panic across this boundary: each fn is expected to
// convert its own failures into outcome records.
func ForEach(ctx context.Context, n int, limit int, fn func(ctx context.Context, i int)) {
	if limit < 1 {
		limit = 1
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, i)
		}(i)
	}

	wg.Wait()
}
