package engine

import (
	"context"
	"sync"
)

// Gate is a pause latch. Downloaders call Wait between chunks; a paused gate
// blocks them until Resume, without polling. The zero value is open.
type Gate struct {
	mu     sync.Mutex
	paused bool
	ch     chan struct{} // closed when open; replaced on Pause
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// Pause closes the gate. Idempotent.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.ch = make(chan struct{})
}

// Resume opens the gate and releases all waiters. Idempotent.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.ch)
	g.ch = nil
}

// Paused reports the current state.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused. It returns the context error if the
// caller is cancelled while waiting.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		ch := g.ch
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
