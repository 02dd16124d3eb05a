package kafka

import (
	"context"
	"sync"
	"time"
)

// waitset mirrors memtransport's condition-variable-backed implementation;
// kept as a separate small type here rather than shared so each transport
// implementation owns its own notion of "tick", matching how the teacher
// keeps transport-adjacent helper types close to their package.
type waitset struct {
	mu        sync.Mutex
	triggered bool
	ch        chan struct{}
}

func newWaitset() *waitset { return &waitset{ch: make(chan struct{}, 1)} }

func (w *waitset) Trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.triggered {
		w.triggered = true
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

func (w *waitset) Wait(ctx context.Context, tick time.Duration) error {
	w.mu.Lock()
	if w.triggered {
		w.triggered = false
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	timer := time.NewTimer(tick)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ch:
		w.mu.Lock()
		w.triggered = false
		w.mu.Unlock()
		return nil
	case <-timer.C:
		return nil
	}
}
