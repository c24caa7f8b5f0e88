package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew_RejectsZeroCapacity(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("New(0) should fail")
	}
}

func TestGate_CapacityOneSerializes(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var (
		holders atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func() error {
				n := holders.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				holders.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Fatalf("peak holders = %d; want 1", got)
	}
}

func TestGate_CapacityBoundsHolders(t *testing.T) {
	g, _ := New(3)

	var permits []*Permit
	for range 3 {
		p, err := g.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		permits = append(permits, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("fourth Acquire error = %v; want deadline exceeded", err)
	}

	permits[0].Release()
	p, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	p.Release()
}

func TestPermit_ReleaseIdempotent(t *testing.T) {
	g, _ := New(1)

	p, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release()
	p.Release()

	// A double release must not have credited an extra slot.
	a, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); err == nil {
		t.Fatal("second concurrent Acquire should block on capacity 1")
	}
}

func TestGate_DoReleasesOnPanic(t *testing.T) {
	g, _ := New(1)

	func() {
		defer func() { _ = recover() }()
		_ = g.Do(context.Background(), func() error { panic("boom") })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Do(ctx, func() error { return nil }); err != nil {
		t.Fatalf("Do after panic: %v", err)
	}
}

func TestGate_DoReturnsFnError(t *testing.T) {
	g, _ := New(1)
	want := errors.New("fn failed")

	if err := g.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("Do error = %v; want %v", err, want)
	}
}

func TestGate_AcquireAllWaitsForHolders(t *testing.T) {
	g, _ := New(2)

	p, _ := g.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.AcquireAll(ctx); err == nil {
		t.Fatal("AcquireAll should wait while a permit is held")
	}

	p.Release()
	if err := g.DoAll(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("DoAll: %v", err)
	}
}
