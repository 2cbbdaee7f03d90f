package genstore

import (
	"context"
	"sync"
	"testing"
)

func TestLocalBumpIsMonotonicPerKey(t *testing.T) {
	ctx := context.Background()
	s := NewLocalGenStoreWithSeed(100)
	t.Cleanup(func() { _ = s.Close(ctx) })

	if g, _ := s.Snapshot(ctx, "policy"); g != 100 {
		t.Fatalf("fresh key = %d, want seed", g)
	}
	for want := uint64(101); want <= 103; want++ {
		g, err := s.Bump(ctx, "policy")
		if err != nil || g != want {
			t.Fatalf("Bump = %d, %v; want %d", g, err, want)
		}
	}
	if g, _ := s.Snapshot(ctx, "other"); g != 100 {
		t.Fatalf("bump leaked into another key: %d", g)
	}
}

func TestLocalConcurrentBumps(t *testing.T) {
	ctx := context.Background()
	s := NewLocalGenStoreWithSeed(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = s.Bump(ctx, "policy")
			}
		}()
	}
	wg.Wait()
	if g, _ := s.Snapshot(ctx, "policy"); g != 800 {
		t.Fatalf("generation = %d, want 800", g)
	}
}

func TestLocalSeedsDiffer(t *testing.T) {
	ctx := context.Background()
	a, _ := NewLocalGenStore().Snapshot(ctx, "policy")
	if a == 0 {
		t.Fatalf("clock seed is zero")
	}
}
