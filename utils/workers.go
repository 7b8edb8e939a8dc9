package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// Workers is a group of goroutines sharing a cancelable context. Goroutines are started with
// panics captured and can all be stopped together.
type Workers struct {
	mu         sync.Mutex
	cancelCtx  context.Context
	cancelFunc func()
	active     sync.WaitGroup
}

// NewWorkers returns an empty group whose context is derived from parent.
func NewWorkers(parent context.Context) *Workers {
	cancelCtx, cancelFunc := context.WithCancel(parent)
	return &Workers{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
}

// Add starts a goroutine for each function. It returns false without starting anything once the
// group is stopped.
func (w *Workers) Add(funcs ...func(context.Context)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancelCtx.Err() != nil {
		return false
	}

	w.active.Add(len(funcs))
	for _, f := range funcs {
		f := f
		goutils.PanicCapturingGo(func() {
			defer w.active.Done()
			f(w.cancelCtx)
		})
	}
	return true
}

// Stop cancels the group's context and waits for every goroutine to return. Goroutines may call
// Add while Stop waits; those calls start nothing.
func (w *Workers) Stop() {
	w.mu.Lock()
	w.cancelFunc()
	w.mu.Unlock()

	w.active.Wait()
}

// Wait blocks until every goroutine started so far has returned.
func (w *Workers) Wait() {
	w.active.Wait()
}

// Context is the context handed to every goroutine.
func (w *Workers) Context() context.Context {
	return w.cancelCtx
}
