// Package gate bounds concurrent access to the shared model state.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/example/fishspeech-server/internal/metrics"
)

// Gate is a counted admission lock. Waiters are served in FIFO order.
type Gate struct {
	capacity int64
	sem      *semaphore.Weighted
}

// New returns a gate admitting at most capacity holders.
func New(capacity int) (*Gate, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("gate: capacity must be >= 1, got %d", capacity)
	}
	return &Gate{capacity: int64(capacity), sem: semaphore.NewWeighted(int64(capacity))}, nil
}

func (g *Gate) Capacity() int { return int(g.capacity) }

// Permit is a granted admission. Release is idempotent.
type Permit struct {
	gate   *Gate
	weight int64
	once   sync.Once
}

func (p *Permit) Release() {
	p.once.Do(func() {
		p.gate.sem.Release(p.weight)
		metrics.AddGateHolders(-p.weight)
	})
}

// Acquire blocks until one slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	return g.acquire(ctx, 1)
}

// AcquireAll blocks until every slot is free and takes them all. It is used
// for operations that touch every model instance, such as clearing caches.
func (g *Gate) AcquireAll(ctx context.Context) (*Permit, error) {
	return g.acquire(ctx, g.capacity)
}

func (g *Gate) acquire(ctx context.Context, weight int64) (*Permit, error) {
	start := time.Now()
	if err := g.sem.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("gate: acquire: %w", err)
	}
	metrics.RecordGateWait(time.Since(start).Seconds())
	metrics.AddGateHolders(weight)
	return &Permit{gate: g, weight: weight}, nil
}

// Do runs fn while holding one permit. The permit is released when fn
// returns or panics.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	p, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release()
	return fn()
}

// DoAll is Do with every slot held.
func (g *Gate) DoAll(ctx context.Context, fn func() error) error {
	p, err := g.AcquireAll(ctx)
	if err != nil {
		return err
	}
	defer p.Release()
	return fn()
}
