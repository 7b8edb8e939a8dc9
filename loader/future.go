package loader

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Future is the outcome of a node load. It is done once the background work for the load has
// finished; the result is merged into the node graph by the next Geometry.ApplyCompleted.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolvedFuture returns a future that is already done with err.
func resolvedFuture(err error) *Future {
	f := newFuture()
	f.resolve(err)
	return f
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed when the load has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the load's error. It is nil until Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the load has finished or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every future and returns their combined errors.
func WaitAll(ctx context.Context, futures []*Future) error {
	var errs []error
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}
