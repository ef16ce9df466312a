package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ErrNotDispatched marks units skipped because the run was cancelled
var ErrNotDispatched = errors.New("unit not dispatched")

// UnitError is a failure confined to one unit of work (a file or a chunk).
// Sibling units keep running.
type UnitError struct {
	Unit string
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// FatalError stops dispatch of further units. Units already running finish.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// RunOrdered runs fn for units 0..n-1 on at most workers goroutines (0 means
// one per CPU) and returns results and errors indexed by unit, independent
// of completion order. A *FatalError from any unit stops dispatch; undispatched units get
// ErrNotDispatched and the fatal error is returned. Cancelling ctx also
// stops dispatch. fn receives ctx, not a derived context, so running units
// are never interrupted by a sibling's failure.
func RunOrdered[T any](ctx context.Context, n, workers int, fn func(ctx context.Context, i int) (T, error)) ([]T, []error, error) {
	results := make([]T, n)
	errs := make([]error, n)

	if workers < 1 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	dispatched := 0
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			// cancelled while waiting for a free worker
			if gctx.Err() != nil {
				errs[i] = ErrNotDispatched
				return nil
			}
			res, err := fn(ctx, i)
			results[i] = res
			errs[i] = err

			var fatal *FatalError
			if errors.As(err, &fatal) {
				return err
			}
			return nil
		})
		dispatched++
	}

	err := g.Wait()
	for i := dispatched; i < n; i++ {
		errs[i] = ErrNotDispatched
	}
	if err == nil {
		err = ctx.Err()
	}
	return results, errs, err
}
