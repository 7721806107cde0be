package risk

import (
	"fmt"
	"sync"
	"time"
)

// Breaker thresholds. Any single breach latches the breaker.
type Thresholds struct {
	MaxDailyDrawdownPct  float64
	MaxConsecutiveLosses int
	MaxVolatilityPct     float64
	TripOnStreamUnstable bool
}

// DefaultThresholds matches the engine's shipped configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxDailyDrawdownPct:  0.05,
		MaxConsecutiveLosses: 3,
		MaxVolatilityPct:     0.06,
		TripOnStreamUnstable: true,
	}
}

// Inputs are the signals the breaker is evaluated against on every tick.
type Inputs struct {
	DailyDrawdownPct       float64
	ConsecutiveLargeLosses int
	VolatilityPct          float64
	StreamUnstable         bool
}

// Breaker is a latching gate: once tripped it stays tripped until an
// explicit Reset, regardless of how the inputs evolve.
type Breaker struct {
	mu        sync.RWMutex
	t         Thresholds
	tripped   bool
	trippedAt time.Time
	reasons   []string
}

func NewBreaker(t Thresholds) *Breaker {
	return &Breaker{t: t}
}

// Observe evaluates the inputs and latches on any breach. Returns true
// when the breaker is (now or already) tripped.
func (b *Breaker) Observe(in Inputs, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return true
	}

	var reasons []string
	if in.DailyDrawdownPct >= b.t.MaxDailyDrawdownPct {
		reasons = append(reasons, fmt.Sprintf("daily drawdown %.4f >= %.4f", in.DailyDrawdownPct, b.t.MaxDailyDrawdownPct))
	}
	if in.ConsecutiveLargeLosses >= b.t.MaxConsecutiveLosses {
		reasons = append(reasons, fmt.Sprintf("consecutive large losses %d >= %d", in.ConsecutiveLargeLosses, b.t.MaxConsecutiveLosses))
	}
	if in.VolatilityPct >= b.t.MaxVolatilityPct {
		reasons = append(reasons, fmt.Sprintf("volatility %.4f >= %.4f", in.VolatilityPct, b.t.MaxVolatilityPct))
	}
	if in.StreamUnstable && b.t.TripOnStreamUnstable {
		reasons = append(reasons, "market stream unstable")
	}

	if len(reasons) > 0 {
		b.tripped = true
		b.trippedAt = now
		b.reasons = reasons
	}
	return b.tripped
}

// Tripped reports the latched state and its reasons.
func (b *Breaker) Tripped() (bool, []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.tripped {
		return false, nil
	}
	out := make([]string, len(b.reasons))
	copy(out, b.reasons)
	return true, out
}

// TrippedAt returns when the breaker latched (zero if it has not).
func (b *Breaker) TrippedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.trippedAt
}

// Reset clears the latch. Only an operator or an explicit admin call does
// this; the engine never resets itself.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.trippedAt = time.Time{}
	b.reasons = nil
}
