package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
)

func TestSlidingLogMinuteWindow(t *testing.T) {
	s := NewSlidingLog(10, 120)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	allowed, rejected := 0, 0
	for i := 0; i < 12; i++ {
		clock = base.Add(time.Duration(i) * 800 * time.Millisecond) // all within 10s
		d, err := s.Admit(context.Background(), "alice")
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if d.Allowed {
			allowed++
		} else {
			rejected++
			if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
				t.Fatalf("retry-after out of range: %v", d.RetryAfter)
			}
		}
	}
	if allowed != 10 || rejected != 2 {
		t.Fatalf("expected 10 allowed / 2 rejected, got %d/%d", allowed, rejected)
	}
}

func TestSlidingLogRejectedAttemptsNotCounted(t *testing.T) {
	s := NewSlidingLog(2, 3)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	// 2 admitted, 3 rejected. Had the rejections been logged, the hour
	// window would already hold 5 entries and the next check would fail.
	for i := 0; i < 5; i++ {
		_, _ = s.Admit(context.Background(), "bob")
	}
	clock = base.Add(61 * time.Second)
	d, err := s.Admit(context.Background(), "bob")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected admission once the minute window cleared, got %+v", d)
	}
	if d.Count != 3 {
		t.Fatalf("expected 3 admitted entries in the hour log, got %d", d.Count)
	}
}

func TestSlidingLogHourWindow(t *testing.T) {
	s := NewSlidingLog(100, 3)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * 10 * time.Minute)
		if d, _ := s.Admit(context.Background(), "carol"); !d.Allowed {
			t.Fatalf("expected request %d admitted", i)
		}
	}
	clock = base.Add(30 * time.Minute)
	d, _ := s.Admit(context.Background(), "carol")
	if d.Allowed {
		t.Fatal("expected hour-window rejection")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Hour {
		t.Fatalf("retry-after out of range: %v", d.RetryAfter)
	}
}

func TestSlidingLogConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	s := NewSlidingLog(10, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.Admit(context.Background(), "dave")
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("expected exactly 10 admissions under concurrency, got %d", allowed)
	}
}

func TestSlidingLogPruneDropsIdleUsers(t *testing.T) {
	s := NewSlidingLog(10, 120)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	_, _ = s.Admit(context.Background(), "idle")
	_, _ = s.Admit(context.Background(), "active")
	clock = base.Add(2 * time.Hour)
	_, _ = s.Admit(context.Background(), "active")

	if removed := s.Prune(); removed != 1 {
		t.Fatalf("expected 1 pruned user, got %d", removed)
	}
}

func TestFixedWindowCountsRejectedAttempts(t *testing.T) {
	f := NewFixedWindow(2, 100, NewMemoryCounterStore())
	base := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	f.now = func() time.Time { return base }

	var last Decision
	for i := 0; i < 4; i++ {
		d, err := f.Admit(context.Background(), "erin")
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		last = d
	}
	if last.Allowed {
		t.Fatal("expected rejection once over the minute limit")
	}
	// Increment-before-check: the rejected attempts are themselves counted.
	if last.Count != 4 {
		t.Fatalf("expected rejected attempt counted (4), got %d", last.Count)
	}
	if want := 30 * time.Second; last.RetryAfter != want {
		t.Fatalf("expected retry-after until bucket rollover %v, got %v", want, last.RetryAfter)
	}
}

func TestFixedWindowHourBucket(t *testing.T) {
	f := NewFixedWindow(100, 3, NewMemoryCounterStore())
	base := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	clock := base
	f.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * 5 * time.Minute)
		if d, _ := f.Admit(context.Background(), "frank"); !d.Allowed {
			t.Fatalf("expected request %d admitted", i)
		}
	}
	clock = base.Add(20 * time.Minute)
	d, _ := f.Admit(context.Background(), "frank")
	if d.Allowed {
		t.Fatal("expected hour-bucket rejection")
	}
	if d.RetryAfter != 25*time.Minute {
		t.Fatalf("expected retry-after 25m until hour rollover, got %v", d.RetryAfter)
	}
}

func TestGateWhitelistBypassesLimiter(t *testing.T) {
	cfg := config.RateLimitConfig{
		Strategy:          config.StrategySlidingLog,
		RequestsPerMinute: 1,
		RequestsPerHour:   1,
		Whitelist:         []string{"root"},
	}
	g := NewGate(cfg, nil)

	for i := 0; i < 5; i++ {
		d, err := g.Admit(context.Background(), "root")
		if err != nil {
			t.Fatalf("admit: %v", err)
		}
		if !d.Allowed {
			t.Fatal("expected whitelisted user to bypass limiter")
		}
	}

	if d, _ := g.Admit(context.Background(), "mortal"); !d.Allowed {
		t.Fatal("expected first request admitted")
	}
	if d, _ := g.Admit(context.Background(), "mortal"); d.Allowed {
		t.Fatal("expected second request rejected")
	}
}
