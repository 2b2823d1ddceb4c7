// Package dispatch runs tasks on one designated goroutine.
//
// Network goroutines must not touch the audio device directly; they
// Enqueue a task and the owner of the device runs it from Drain or Run.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/localrivet/pttvoice/logx"
)

// Task is a unit of work run on the dispatch goroutine.
type Task func()

// Dispatcher is an unbounded FIFO of tasks.
type Dispatcher struct {
	mu     sync.Mutex
	queue  []Task
	notify chan struct{} // buffered(1) wakeup signal for Run
	logger logx.Logger
	ran    uint64
	failed uint64
}

// New creates an empty dispatcher. A nil logger discards output.
func New(logger logx.Logger) *Dispatcher {
	if logger == nil {
		logger = logx.NopLogger{}
	}
	return &Dispatcher{
		notify: make(chan struct{}, 1),
		logger: logger,
	}
}

// Enqueue appends a task. It never blocks; nil tasks are ignored.
func (d *Dispatcher) Enqueue(task Task) {
	if task == nil {
		return
	}

	d.mu.Lock()
	d.queue = append(d.queue, task)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Drain runs every task queued at the time of the call, in order, on the
// calling goroutine, and returns how many ran. Tasks enqueued while draining
// wait for the next call. A panicking task is logged and skipped.
func (d *Dispatcher) Drain() int {
	d.mu.Lock()
	tasks := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, task := range tasks {
		d.run(task)
	}
	return len(tasks)
}

// Run drains tasks as they arrive until ctx is done. Tasks still queued
// when ctx ends are left in place.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		d.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.notify:
		}
	}
}

// Stats returns how many tasks ran and how many of them panicked.
func (d *Dispatcher) Stats() (ran, failed uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ran, d.failed
}

func (d *Dispatcher) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.failed++
			d.mu.Unlock()
			d.logger.Error("dispatch: task panicked: %v\n%s", r, debug.Stack())
		}
	}()

	d.mu.Lock()
	d.ran++
	d.mu.Unlock()

	task()
}

// String implements fmt.Stringer.
func (d *Dispatcher) String() string {
	ran, failed := d.Stats()
	return fmt.Sprintf("dispatcher{pending:%d ran:%d failed:%d}", d.Pending(), ran, failed)
}
