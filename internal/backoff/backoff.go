// Package backoff holds the single retry policy shared by session
// initialization, the push subscriber, and transient fetch retries.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes bounded exponential backoff. Attempt numbering is 1-based.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	Jitter      float64 // fraction of the delay randomized, 0..1
	MaxAttempts int     // 0 means unbounded
}

// Default matches the delays used against the backend API.
func Default() Policy {
	return Policy{
		Base:        200 * time.Millisecond,
		Factor:      2,
		Max:         10 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 5,
	}
}

// Exhausted reports whether attempt exceeds the attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Delay returns the wait before the given attempt. Growth is multiplicative
// from Base and capped at Max; jitter is applied after capping so the cap
// remains an upper bound on the deterministic part only.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.Max {
			d = float64(p.Max)
			break
		}
	}
	if time.Duration(d) > p.Max {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
