package cache

import (
	"sync"
	"testing"
	"time"
)

func TestTTLMapGetFreshRespectsExpiry(t *testing.T) {
	m := NewTTLMap[string, int]()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m.SetWithTTL("a", 1, now, time.Minute)
	if v, ok := m.GetFresh("a", now.Add(30*time.Second)); !ok || v != 1 {
		t.Fatalf("expected fresh value 1, got %d ok=%v", v, ok)
	}
	if _, ok := m.GetFresh("a", now.Add(2*time.Minute)); ok {
		t.Fatal("expected expired entry to be stale")
	}

	m.SetWithTTL("forever", 2, now, 0)
	if _, ok := m.GetFresh("forever", now.Add(1000*time.Hour)); !ok {
		t.Fatal("expected zero-ttl entry to never expire")
	}
}

func TestTTLMapPruneExpired(t *testing.T) {
	m := NewTTLMap[string, string]()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.SetWithTTL("old", "x", now, time.Second)
	m.SetWithTTL("new", "y", now, time.Hour)
	m.SetWithTTL("keep", "z", now, 0)

	removed := m.PruneExpired(now.Add(time.Minute))
	if removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", m.Len())
	}
}

func TestCounterMapIncrementResetsAfterExpiry(t *testing.T) {
	m := NewCounterMap[string]()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if got := m.Increment("u", now, time.Minute); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := m.Increment("u", now.Add(10*time.Second), time.Minute); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	// Window rolls over: counter restarts.
	if got := m.Increment("u", now.Add(2*time.Minute), time.Minute); got != 1 {
		t.Fatalf("expected reset counter 1, got %d", got)
	}
}

func TestCounterMapIncrementConcurrent(t *testing.T) {
	m := NewCounterMap[string]()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Increment("u", now, time.Hour)
		}()
	}
	wg.Wait()
	if got := m.Increment("u", now, time.Hour); got != workers+1 {
		t.Fatalf("expected %d after concurrent increments, got %d", workers+1, got)
	}
}
