// Package childexit maps child process ids to pending exit outcomes.
//
// A Coordinator is fed by a single SIGCHLD demultiplexer (see Feed) and
// lets the shutdown pipeline wait for a specific hypervisor to exit with a
// bounded deadline.
package childexit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

// Probe reports whether pid has already exited or is not a child of this
// process. It must not block and must not reap the child.
type Probe func(pid int) bool

// Coordinator holds at most one pending watch per pid.
type Coordinator struct {
	probe Probe

	mu      sync.Mutex
	pending map[int]*watch
}

type watch struct {
	done   chan struct{}
	once   sync.Once
	exited bool
	timer  *time.Timer
}

func (w *watch) resolve(exited bool) {
	w.once.Do(func() {
		w.exited = exited
		if w.timer != nil {
			w.timer.Stop()
		}
		close(w.done)
	})
}

// Future is the outcome of one Watch.
type Future struct {
	w *watch
}

// Done is closed once the outcome is known.
func (f *Future) Done() <-chan struct{} { return f.w.done }

// Exited returns the outcome. It is only meaningful after Done is closed.
func (f *Future) Exited() bool {
	select {
	case <-f.w.done:
		return f.w.exited
	default:
		return false
	}
}

// Wait blocks until the outcome is known or ctx is done. A cancelled
// context yields false without affecting the registration.
func (f *Future) Wait(ctx context.Context) bool {
	select {
	case <-f.w.done:
		return f.w.exited
	case <-ctx.Done():
		return false
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithProbe replaces the non-blocking wait probe.
func WithProbe(p Probe) Option {
	return func(c *Coordinator) { c.probe = p }
}

// New creates a Coordinator using a waitid probe by default.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		probe:   waitProbe,
		pending: make(map[int]*watch),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Watch registers pid. The future resolves true when Received(pid) is
// observed or the child is already gone, false when timeout elapses or
// Cancel(pid) is called. Registering a pid twice fails.
func (c *Coordinator) Watch(pid int, timeout time.Duration) (*Future, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d: %w", pid, errdefs.ErrInvalidArgument)
	}

	w := &watch{done: make(chan struct{})}

	c.mu.Lock()
	if _, ok := c.pending[pid]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("pid %d is already watched: %w", pid, errdefs.ErrAlreadyExists)
	}
	c.pending[pid] = w
	w.timer = time.AfterFunc(timeout, func() {
		c.finish(pid, w, false)
	})
	c.mu.Unlock()

	// The exit may have been observed before registration.
	if c.probe(pid) {
		log.L.WithField("pid", pid).Debug("child already exited")
		c.finish(pid, w, true)
	}
	return &Future{w: w}, nil
}

// Received fulfils the pending watch for pid, if any, with true.
func (c *Coordinator) Received(pid int) {
	c.mu.Lock()
	w, ok := c.pending[pid]
	c.mu.Unlock()
	if ok {
		c.finish(pid, w, true)
	}
}

// Cancel fulfils the pending watch for pid, if any, with false. The child
// is not reaped.
func (c *Coordinator) Cancel(pid int) {
	c.mu.Lock()
	w, ok := c.pending[pid]
	c.mu.Unlock()
	if ok {
		c.finish(pid, w, false)
	}
}

// Pending returns the number of registered pids.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) finish(pid int, w *watch, exited bool) {
	c.mu.Lock()
	if c.pending[pid] == w {
		delete(c.pending, pid)
	}
	c.mu.Unlock()
	w.resolve(exited)
}
