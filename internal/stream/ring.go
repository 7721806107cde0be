package stream

import (
	"sync"

	"papertrader/internal/domain/models"
)

// Ring is a bounded, ordered buffer of bars for one (symbol, interval).
// Bars are keyed by OpenTime: a bar arriving with an already-known open
// time replaces the stored one, which is how partial-tick updates and
// reconnect backfills reconcile without duplicating history.
type Ring struct {
	mu      sync.RWMutex
	cap     int
	candles []models.Candle
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 500
	}
	return &Ring{cap: capacity}
}

// Upsert inserts or replaces the bar. Bars older than the oldest buffered
// bar are dropped; reports whether the buffer changed.
func (r *Ring) Upsert(c models.Candle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.candles)
	if n == 0 || c.OpenTime > r.candles[n-1].OpenTime {
		r.candles = append(r.candles, c)
		if len(r.candles) > r.cap {
			r.candles = append(r.candles[:0], r.candles[len(r.candles)-r.cap:]...)
		}
		return true
	}
	// walk back from the tail; backfills touch only the last few bars
	for i := n - 1; i >= 0; i-- {
		switch {
		case r.candles[i].OpenTime == c.OpenTime:
			// never demote a closed bar to a partial one
			if r.candles[i].Closed && !c.Closed {
				return false
			}
			r.candles[i] = c
			return true
		case r.candles[i].OpenTime < c.OpenTime:
			r.candles = append(r.candles, models.Candle{})
			copy(r.candles[i+2:], r.candles[i+1:])
			r.candles[i+1] = c
			if len(r.candles) > r.cap {
				r.candles = append(r.candles[:0], r.candles[len(r.candles)-r.cap:]...)
			}
			return true
		}
	}
	return false
}

// Candles returns a copy of the buffered bars, oldest first.
func (r *Ring) Candles() []models.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Candle, len(r.candles))
	copy(out, r.candles)
	return out
}

// Closed returns only the closed bars, oldest first.
func (r *Ring) Closed() []models.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Candle, 0, len(r.candles))
	for _, c := range r.candles {
		if c.Closed {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the newest bar, closed or not.
func (r *Ring) Last() (models.Candle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.candles) == 0 {
		return models.Candle{}, false
	}
	return r.candles[len(r.candles)-1], true
}

// LastClosed returns the newest closed bar.
func (r *Ring) LastClosed() (models.Candle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.candles) - 1; i >= 0; i-- {
		if r.candles[i].Closed {
			return r.candles[i], true
		}
	}
	return models.Candle{}, false
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.candles)
}
