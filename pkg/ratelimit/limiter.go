package ratelimit

import (
	"context"
	"time"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
)

// Decision is the outcome of an admission check. A rejection is a normal
// result, not an error: RetryAfter tells the caller when to try again and
// Count is the number of requests currently held against the user.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Count      int
}

// Admitter evaluates one admission check. The check and the counter
// mutation it implies are indivisible.
type Admitter interface {
	Admit(ctx context.Context, userID string) (Decision, error)
}

// Gate fronts a strategy with the operator whitelist. Whitelisted users
// bypass the limiter entirely and leave no counter trace.
type Gate struct {
	admitter  Admitter
	whitelist map[string]struct{}
}

// NewGate builds the configured strategy. counters is only consulted for
// the fixed-window strategy; pass nil to fall back to in-process counters.
func NewGate(cfg config.RateLimitConfig, counters CounterStore) *Gate {
	var admitter Admitter
	switch cfg.Strategy {
	case config.StrategyFixedWindow:
		if counters == nil {
			counters = NewMemoryCounterStore()
		}
		admitter = NewFixedWindow(cfg.RequestsPerMinute, cfg.RequestsPerHour, counters)
	default:
		admitter = NewSlidingLog(cfg.RequestsPerMinute, cfg.RequestsPerHour)
	}
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, id := range cfg.Whitelist {
		wl[id] = struct{}{}
	}
	return &Gate{admitter: admitter, whitelist: wl}
}

func (g *Gate) Admit(ctx context.Context, userID string) (Decision, error) {
	if _, ok := g.whitelist[userID]; ok {
		return Decision{Allowed: true}, nil
	}
	return g.admitter.Admit(ctx, userID)
}
