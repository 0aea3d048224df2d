// Package worker provides the single background goroutine that platform
// capture callbacks are dispatched on.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/bluelightgit/roubao/internal/logging"
)

var log = logging.L("worker")

// ErrForcedStop is returned by Teardown when the loop did not quiesce in time.
var ErrForcedStop = errors.New("worker did not quiesce before deadline; forced stop")

const defaultQueueSize = 16

// Task is a unit of work run on the worker goroutine.
type Task func()

// loop is one incarnation of the worker goroutine.
type loop struct {
	queue   chan Task
	quit    chan struct{} // graceful: drain queue then exit
	abort   chan struct{} // forced: exit after the running task
	exited  chan struct{}
	quitMu  sync.Once
	abortMu sync.Once
}

// Context lazily owns one loop at a time. It is safe for concurrent use.
type Context struct {
	name      string
	queueSize int

	mu  sync.Mutex
	cur *loop
}

// New returns a Context whose loop is created on the first Ensure.
func New(name string, queueSize int) *Context {
	if queueSize < 1 {
		queueSize = defaultQueueSize
	}
	return &Context{name: name, queueSize: queueSize}
}

// Ensure starts the loop if none is running.
func (c *Context) Ensure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return
	}
	l := &loop{
		queue:  make(chan Task, c.queueSize),
		quit:   make(chan struct{}),
		abort:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	c.cur = l
	go c.run(l)
	log.Debug("worker started", "name", c.name)
}

// Running reports whether a loop is accepting tasks.
func (c *Context) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Post enqueues task. It returns false when no loop is running or the queue is full.
func (c *Context) Post(task func()) bool {
	if task == nil {
		return false
	}
	c.mu.Lock()
	l := c.cur
	if l == nil {
		c.mu.Unlock()
		return false
	}
	select {
	case l.queue <- task:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		log.Warn("worker queue full, task rejected", "name", c.name)
		return false
	}
}

// Quit asks the loop to finish queued tasks and exit, without waiting.
// It is safe to call from a task running on the worker.
func (c *Context) Quit() {
	if l := c.detach(); l != nil {
		l.quitMu.Do(func() { close(l.quit) })
	}
}

// Teardown asks the loop to drain and exit, waiting until ctx is done. When
// the deadline passes first the loop is forced to abandon queued tasks and
// ErrForcedStop is returned. Calling Teardown from a task on the worker
// itself always ends in the forced path; use Quit there instead.
func (c *Context) Teardown(ctx context.Context) error {
	l := c.detach()
	if l == nil {
		return nil
	}
	l.quitMu.Do(func() { close(l.quit) })

	select {
	case <-l.exited:
		log.Debug("worker quiesced", "name", c.name)
		return nil
	case <-ctx.Done():
	}

	l.abortMu.Do(func() { close(l.abort) })
	log.Warn("worker quiesce timed out, forcing stop", "name", c.name)
	return ErrForcedStop
}

// detach removes the current loop so new Posts see no worker.
func (c *Context) detach() *loop {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.cur
	c.cur = nil
	return l
}

func (c *Context) run(l *loop) {
	defer close(l.exited)
	for {
		if l.aborted() {
			return
		}
		select {
		case <-l.abort:
			return
		case task := <-l.queue:
			c.runTask(task)
		case <-l.quit:
			// Drain remaining queued tasks unless forced.
			for !l.aborted() {
				select {
				case task := <-l.queue:
					c.runTask(task)
				default:
					return
				}
			}
			return
		}
	}
}

func (l *loop) aborted() bool {
	select {
	case <-l.abort:
		return true
	default:
		return false
	}
}

func (c *Context) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker task panicked", "name", c.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
