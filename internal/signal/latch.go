// Package signal implements the re-armable one-shot wait primitive
// nodes use to coordinate predecessor/successor handshakes.
package signal

import (
	"context"
	"sync"
)

// Latch is a re-armable broadcast gate. Set closes the current
// generation's channel, waking every waiter; Clear swaps in a fresh
// generation so a subsequent Wait blocks again. Set is idempotent
// within a generation.
type Latch struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

// NewLatch returns a Latch in the cleared (unfired) state.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Set fires the current generation, waking all current and future
// waiters until the next Clear. Calling Set more than once in the same
// generation has no additional effect.
func (l *Latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired {
		return
	}
	l.fired = true
	close(l.ch)
}

// Clear arms a new generation. Any goroutine still holding a reference
// to the previous generation's channel (via an in-flight Wait) already
// observed it closed before Clear ran, by construction: callers only
// Clear after Wait has returned.
func (l *Latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fired = false
	l.ch = make(chan struct{})
}

// Wait blocks until Set fires the current generation or ctx is done,
// whichever happens first.
func (l *Latch) Wait(ctx context.Context) error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsSet reports whether the current generation has fired.
func (l *Latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired
}
