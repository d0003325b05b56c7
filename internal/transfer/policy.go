package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/habbes/quickbyte-sub000/internal/taskqueue"
)

// Policy decides how blocks of one file are assigned to workers.
type Policy int

const (
	// FixedWorkers gives worker w the blocks w, w+W, w+2W, ... of the
	// remaining blocks. Used when several files move at once.
	FixedWorkers Policy = iota

	// MaxParallel starts one operation per remaining block and lets a
	// pool sized to the transport limit bound the real concurrency. Used
	// when a single file moves alone.
	MaxParallel
)

func (p Policy) String() string {
	switch p {
	case FixedWorkers:
		return "fixed"
	case MaxParallel:
		return "max"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// PolicyFor picks the policy for a transfer of fileCount files.
func PolicyFor(fileCount int) Policy {
	if fileCount > 1 {
		return FixedWorkers
	}
	return MaxParallel
}

// ParsePolicy parses "fixed" or "max". "auto" and "" resolve through
// PolicyFor.
func ParsePolicy(s string, fileCount int) (Policy, error) {
	switch s {
	case "", "auto":
		return PolicyFor(fileCount), nil
	case "fixed":
		return FixedWorkers, nil
	case "max":
		return MaxParallel, nil
	default:
		return 0, fmt.Errorf("unknown policy %q (want auto, fixed or max)", s)
	}
}

type blockFunc func(ctx context.Context, b Block) error

// runFixed runs fn over blocks with workers goroutines, worker w taking
// every workers-th block starting at w. The first error cancels the rest.
func runFixed(ctx context.Context, blocks []Block, workers int, fn blockFunc) error {
	if workers <= 0 {
		workers = 1
	}
	workers = min(workers, len(blocks))

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := w; i < len(blocks); i += workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := fn(gctx, blocks[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// runMax submits one job per block to a pool of size limit and waits for
// all of them. In-flight jobs always finish before runMax returns; the first
// error cancels the jobs that have not started.
func runMax(ctx context.Context, blocks []Block, limit int, logger *slog.Logger, fn blockFunc) error {
	if limit <= 0 {
		limit = 1
	}
	return taskqueue.Run(ctx, limit, len(blocks), func(ctx context.Context, i int) error {
		return fn(ctx, blocks[i])
	}, taskqueue.WithLogger(logger), taskqueue.WithName("blocks"))
}
