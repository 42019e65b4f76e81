// Package utils contains small helpers shared by xnav packages.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a group of background goroutines sharing one context that Stop cancels.
type StoppableWorkers interface {
	AddWorkers(...func(context.Context))
	Stop()
}

type workerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewStoppableWorkers starts each function in its own goroutine.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	return NewStoppableWorkersWithContext(context.Background(), funcs...)
}

// NewStoppableWorkersWithContext is NewStoppableWorkers with workers that also stop when parent
// is done.
func NewStoppableWorkersWithContext(parent context.Context, funcs ...func(context.Context)) StoppableWorkers {
	ctx, cancel := context.WithCancel(parent)
	g := &workerGroup{ctx: ctx, cancel: cancel}
	g.AddWorkers(funcs...)
	return g
}

// AddWorkers starts more goroutines. Once Stop has been called it does nothing.
func (g *workerGroup) AddWorkers(funcs ...func(context.Context)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.wg.Add(len(funcs))
	for _, f := range funcs {
		goutils.PanicCapturingGo(func() {
			defer g.wg.Done()
			f(g.ctx)
		})
	}
}

// Stop cancels the workers and waits for all of them to return. It may be called more than once.
// A worker may call AddWorkers while Stop waits; nothing new is started.
func (g *workerGroup) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}
