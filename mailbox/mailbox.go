// Package mailbox provides the typed, blocking MPMC queue every inter-
// component link in the fabric uses: per-sublayer packet mailboxes inside a
// fabric.Processor, the home agent's two input queues, and the
// request/response pairs between the host- and device-side components.
//
// It is a thin blocking wrapper around eapache/queue's ring buffer, the same
// pairing the pack's momentics-hioload-ws executor uses for its task queue.
package mailbox

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// Disconnected is a marker type for shutdown signalling. Nothing in this
// package enqueues it (see Stop): consumers blocked on Get wake up because a
// stopped, empty mailbox makes Get report !ok.
type Disconnected struct{}

// Mailbox is a generic, unbounded, blocking FIFO queue. Stop closes it;
// calling Stop again is a no-op.
type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool
}

// New returns an empty, open Mailbox.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{q: queue.New()}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put enqueues v and wakes one blocked Get, if any. Put after Stop is a
// no-op: a stopped mailbox accepts no new items.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.q.Add(v)
	m.cond.Signal()
}

// Get blocks until an item is available, ctx is cancelled, or the mailbox is
// stopped. ok is false when nothing is buffered and either ctx was cancelled
// or the mailbox was stopped; a stopped mailbox still yields its buffered
// items before Get starts reporting !ok.
func (m *Mailbox[T]) Get(ctx context.Context) (v T, ok bool) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.q.Length() == 0 {
		if ctx.Err() != nil || m.closed {
			var zero T
			return zero, false
		}
		m.cond.Wait()
	}
	item := m.q.Remove()
	return item.(T), true
}

// TryGet returns the next item without blocking, reporting false if empty.
func (m *Mailbox[T]) TryGet() (v T, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q.Length() == 0 {
		var zero T
		return zero, false
	}
	item := m.q.Remove()
	return item.(T), true
}

// Empty reports whether the mailbox currently holds no items.
func (m *Mailbox[T]) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length() == 0
}

// Len returns the number of buffered items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length()
}

// Stop marks the mailbox closed to further Put calls. It does not itself
// enqueue a Disconnected marker: callers that need one push it explicitly
// (mailboxes of non-Disconnected element types use a different shutdown
// signal, e.g. a zero value or a dedicated marker type).
func (m *Mailbox[T]) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cond.Broadcast()
}

// Closed reports whether Stop has been called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
