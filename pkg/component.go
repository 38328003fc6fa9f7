package pkg

import (
	"context"
	"sync"

	"github.com/opencis/opencis-core/pkg/prof"
)

// State is the externally observable lifecycle state every runnable
// component exposes, per spec.md §3: INIT -> RUNNING -> STOPPED.
type State int

// Lifecycle states.
const (
	StateInit State = iota
	StateRunning
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Lifecycle is the uniform start/ready/stop protocol spec.md §3/§5 requires.
// Components embed it by value and call MarkRunning/MarkStopped from their
// own Run method; external callers use WaitReady/State/Done.
//
// The ready signal is raised exactly once, between INIT and RUNNING: a
// second MarkRunning call is a no-op. Stop is idempotent.
//
// If a name is given, MarkRunning/MarkStopped additionally bracket the
// component's run with a CPU profile captured under that name (pkg/prof).
// Only the first Lifecycle to reach RUNNING while no profile is active wins
// the global CPU profiler; every later one is a no-op, which is fine for the
// intended use of profiling a single top-level process component. Built
// without the "profile" tag, pkg/prof's calls are all no-ops.
type Lifecycle struct {
	mu    sync.RWMutex
	state State
	ready chan struct{}
	done  chan struct{}
	name  string

	profiling bool // this Lifecycle's StartCPU call succeeded

	once     sync.Once
	doneOnce sync.Once
}

// NewLifecycle returns a Lifecycle in StateInit. An optional name enables
// CPU profiling around the component's run; omit it to skip profiling.
func NewLifecycle(name ...string) *Lifecycle {
	l := &Lifecycle{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	if len(name) > 0 {
		l.name = name[0]
	}
	return l
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// MarkRunning transitions INIT -> RUNNING and raises the ready signal exactly
// once. Safe to call more than once; only the first call has effect.
func (l *Lifecycle) MarkRunning() {
	l.once.Do(func() {
		l.mu.Lock()
		l.state = StateRunning
		l.mu.Unlock()
		if l.name != "" {
			started := prof.StartCPU(l.name+".cpu.prof") == nil
			l.mu.Lock()
			l.profiling = started
			l.mu.Unlock()
		}
		close(l.ready)
	})
}

// MarkStopped transitions to STOPPED and unblocks Done(). Safe to call more
// than once.
func (l *Lifecycle) MarkStopped() {
	l.doneOnce.Do(func() {
		l.mu.Lock()
		l.state = StateStopped
		profiling := l.profiling
		l.mu.Unlock()
		if profiling {
			prof.StopCPU()
		}
		close(l.done)
	})
}

// WaitReady blocks until MarkRunning has been called or ctx is cancelled.
func (l *Lifecycle) WaitReady(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the component has reached STOPPED.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Runnable is implemented by every component with the lifecycle of spec.md
// §3/§5: Run blocks until fully stopped, WaitReady suspends until Run has
// finished initialization, Stop requests shutdown in a component-specific
// way (closing the mailboxes it reads from, its connection, or its listener).
type Runnable interface {
	Run(ctx context.Context) error
	WaitReady(ctx context.Context) error
	Stop() error
	State() State
}
