package fetch

import (
	"context"
	"sync"
	"time"
)

// Gate enforces a minimum spacing between the start of consecutive requests.
// A single Gate is shared by every Fetcher in the process.
type Gate struct {
	mu      sync.Mutex
	spacing time.Duration
	clock   Clock
	last    time.Time
	used    bool
}

// NewGate returns a gate admitting one request per spacing interval.
// A nil clock means the wall clock.
func NewGate(spacing time.Duration, clock Clock) *Gate {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Gate{spacing: spacing, clock: clock}
}

// NewGatePerMinute returns a gate admitting n requests per minute.
func NewGatePerMinute(n int, clock Clock) *Gate {
	if n <= 0 {
		return NewGate(0, clock)
	}
	return NewGate(time.Minute/time.Duration(n), clock)
}

// Spacing returns the configured interval.
func (g *Gate) Spacing() time.Duration {
	return g.spacing
}

// Wait blocks until a request may start and records that it has.
// The gate stays locked while waiting, so callers are admitted one at a time.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.used {
		next := g.last.Add(g.spacing)
		if d := next.Sub(g.clock.Now()); d > 0 {
			if err := g.clock.Sleep(ctx, d); err != nil {
				return err
			}
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	g.last = g.clock.Now()
	g.used = true
	return nil
}
