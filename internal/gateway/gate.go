package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type stamp struct {
	at time.Time
	n  int
}

// Gate admits batches for one gateway instance. The token bucket paces
// submissions; the ledger caps messages in any sliding window exactly.
type Gate struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	max     int
	window  time.Duration
	ledger  []stamp
	used    int
	now     func() time.Time
}

func NewGate(limits Limits) *Gate {
	per := rate.Limit(float64(limits.MaxRatePerWindow) / limits.Window.Seconds())
	return &Gate{
		limiter: rate.NewLimiter(per, limits.BatchCap()),
		max:     limits.MaxRatePerWindow,
		window:  limits.Window,
		now:     time.Now,
	}
}

// Admit blocks until n messages fit in the current window or ctx is done.
func (g *Gate) Admit(ctx context.Context, n int) error {
	if n > g.max || n > g.limiter.Burst() {
		return fmt.Errorf("batch of %d exceeds gateway admission cap", n)
	}
	if err := g.limiter.WaitN(ctx, n); err != nil {
		return err
	}
	for {
		g.mu.Lock()
		wait, ok := g.reserve(g.now(), n)
		g.mu.Unlock()
		if ok {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reserve records n messages at now if the window allows it, otherwise it
// returns how long until enough earlier messages age out.
func (g *Gate) reserve(now time.Time, n int) (time.Duration, bool) {
	cutoff := now.Add(-g.window)
	drop := 0
	for drop < len(g.ledger) && !g.ledger[drop].at.After(cutoff) {
		g.used -= g.ledger[drop].n
		drop++
	}
	g.ledger = g.ledger[drop:]

	if g.used+n <= g.max {
		g.ledger = append(g.ledger, stamp{at: now, n: n})
		g.used += n
		return 0, true
	}

	need := g.used + n - g.max
	freed := 0
	for _, s := range g.ledger {
		freed += s.n
		if freed >= need {
			wait := s.at.Add(g.window).Sub(now)
			if wait <= 0 {
				wait = time.Millisecond
			}
			return wait, false
		}
	}
	return g.window, false
}

// InWindow returns how many messages were admitted during the window ending at now.
func (g *Gate) InWindow(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.window)
	total := 0
	for _, s := range g.ledger {
		if s.at.After(cutoff) && !s.at.After(now) {
			total += s.n
		}
	}
	return total
}
