package taskqueue

import (
	"context"
	"sync"

	"github.com/habbes/quickbyte-sub000/internal/join"
)

// Run calls fn(ctx, i) for every i in [0, count) on a pool of n workers and
// waits for all of them through a join tracker. Jobs that have started
// always finish before Run returns. The first error cancels ctx for the
// jobs still queued, and is returned.
func Run(ctx context.Context, n, count int, fn func(ctx context.Context, i int) error, opts ...Option) error {
	if count == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := New(min(n, count), opts...)
	tracker := join.New()

	var (
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for i := 0; i < count; i++ {
		tracker.Start()
		err := pool.Submit(func() {
			defer func() {
				if err := tracker.Complete(); err != nil {
					fail(err)
				}
			}()
			if ctx.Err() != nil {
				return
			}
			if err := fn(ctx, i); err != nil {
				fail(err)
			}
		})
		if err != nil {
			// Never queued, so no job will complete it.
			if cerr := tracker.Complete(); cerr != nil {
				fail(cerr)
			}
			fail(err)
			break
		}
	}
	tracker.NoMoreWork()

	// Shared state stays untouched once we return: wait for every queued
	// job, even after a failure.
	<-tracker.Done()
	pool.Terminate()
	if err := pool.Wait(context.Background()); err != nil {
		return err
	}
	if err := tracker.Err(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
