package pkg

import (
	"context"
	"testing"
	"time"
)

func TestLifecycleTransitions(t *testing.T) {
	l := NewLifecycle()
	if got := l.State(); got != StateInit {
		t.Fatalf("initial state = %v, want %v", got, StateInit)
	}

	readyErr := make(chan error, 1)
	go func() {
		readyErr <- l.WaitReady(context.Background())
	}()

	l.MarkRunning()
	if err := <-readyErr; err != nil {
		t.Fatalf("WaitReady returned %v", err)
	}
	if got := l.State(); got != StateRunning {
		t.Fatalf("state after MarkRunning = %v, want %v", got, StateRunning)
	}

	// MarkRunning is idempotent.
	l.MarkRunning()
	if got := l.State(); got != StateRunning {
		t.Fatalf("state after second MarkRunning = %v, want %v", got, StateRunning)
	}

	select {
	case <-l.Done():
		t.Fatal("Done() closed before MarkStopped")
	default:
	}

	l.MarkStopped()
	l.MarkStopped() // idempotent
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() did not close after MarkStopped")
	}
	if got := l.State(); got != StateStopped {
		t.Fatalf("state after MarkStopped = %v, want %v", got, StateStopped)
	}
}

func TestLifecycleWithNameBracketsCPUProfile(t *testing.T) {
	l := NewLifecycle("test-component")
	l.MarkRunning()
	if got := l.State(); got != StateRunning {
		t.Fatalf("state after MarkRunning = %v, want %v", got, StateRunning)
	}
	l.MarkStopped()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() did not close after MarkStopped")
	}
}

func TestLifecycleWaitReadyCancelled(t *testing.T) {
	l := NewLifecycle()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.WaitReady(ctx); err == nil {
		t.Fatal("WaitReady with cancelled context returned nil error")
	}
}
