// Package fanout runs a fixed number of independent tasks either one after
// another or concurrently.
package fanout

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Mode selects how tasks are executed.
type Mode string

// Supported modes.
const (
	Sequential Mode = "sequential"
	Parallel   Mode = "parallel"
)

// ParseMode maps a config string to a Mode. Empty means Sequential.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Sequential:
		return Sequential, nil
	case Parallel:
		return Parallel, nil
	default:
		return "", fmt.Errorf("unknown concurrency mode %q", s)
	}
}

// Task is one unit of work. i is the task index in [0, n).
type Task func(ctx context.Context, i int) error

// Run executes n tasks and returns the first error any task returned.
//
// Sequential stops at the first error. Parallel starts every task (at most
// maxParallel at a time when maxParallel > 0) on ctx itself, so a failing task
// never cancels its siblings; all of them run to completion before Run
// returns. Tasks that isolate their own failures should return nil.
func Run(ctx context.Context, mode Mode, n, maxParallel int, task Task) error {
	if n <= 0 {
		return nil
	}
	if mode != Parallel {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := task(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	if maxParallel > 0 {
		g.SetLimit(maxParallel)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return task(ctx, i)
		})
	}
	return g.Wait()
}
