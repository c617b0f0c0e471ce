package rtos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/golang/glog"
)

// Task is a long running job, the goroutine counterpart of an RTOS task.
type Task interface {
	Run(context.Context) error
}

// TaskFunc is the func form of Task.
type TaskFunc func(context.Context) error

// Run implements Task.
func (f TaskFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// TaskGroup runs named tasks on a shared context and collects their errors.
type TaskGroup struct {
	Context context.Context

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs AggregatedError
}

// NewTaskGroup creates a TaskGroup bound to ctx.
func NewTaskGroup(ctx context.Context) *TaskGroup {
	return &TaskGroup{Context: ctx}
}

// NewSignalTaskGroup creates a TaskGroup whose context is cancelled on
// SIGINT, SIGTERM or stop.
func NewSignalTaskGroup(ctx context.Context) (g *TaskGroup, stop func()) {
	ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return NewTaskGroup(ctx), stop
}

// Go starts task in its own goroutine.
func (g *TaskGroup) Go(name string, task Task) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		glog.V(4).Infof("task %s started", name)
		err := task.Run(g.Context)
		glog.V(4).Infof("task %s stopped: %v", name, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.mu.Lock()
			g.errs.Add(fmt.Errorf("%s: %w", name, err))
			g.mu.Unlock()
		}
	}()
}

// Wait waits for every started task to return. Cancellation is not treated
// as an error.
func (g *TaskGroup) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errs.Aggregate()
}
