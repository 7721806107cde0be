package engine

import (
	"sync"
	"time"
)

// largeLossR is the R-multiple at or below which a losing exit counts
// toward the circuit breaker's consecutive-large-loss trigger.
const largeLossR = -1.0

// Portfolio tracks the cash side of the paper account: balance, realized
// daily PnL and the loss streaks the risk layer gates on. Position state
// lives in the execution ledger; this type never sees lots.
type Portfolio struct {
	mu           sync.Mutex
	balance      float64
	day          time.Time
	dailyPnL     float64
	lossStreak   int
	largeLossRun int
	lastTradeAt  time.Time
}

func NewPortfolio(initialBalance float64) *Portfolio {
	return &Portfolio{balance: initialBalance}
}

func (p *Portfolio) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

func (p *Portfolio) LastTradeAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTradeAt
}

func (p *Portfolio) LossStreak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lossStreak
}

func (p *Portfolio) LargeLossRun() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.largeLossRun
}

// DailyPnL returns the realized PnL of the current UTC day.
func (p *Portfolio) DailyPnL(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDay(now)
	return p.dailyPnL
}

// RecordBuy debits the fill cost (price*qty plus fees) from the balance.
func (p *Portfolio) RecordBuy(cost float64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDay(now)
	p.balance -= cost
	p.lastTradeAt = now
}

// RecordSell credits the net proceeds and folds the realized pnl into the
// daily total and the loss streaks.
func (p *Portfolio) RecordSell(proceeds, pnl, rMultiple float64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDay(now)
	p.balance += proceeds
	p.dailyPnL += pnl
	p.lastTradeAt = now

	if pnl < 0 {
		p.lossStreak++
		if rMultiple <= largeLossR {
			p.largeLossRun++
		} else {
			p.largeLossRun = 0
		}
	} else {
		p.lossStreak = 0
		p.largeLossRun = 0
	}
}

// rollDay resets the daily accumulators when the UTC date changes.
// Caller holds the mutex.
func (p *Portfolio) rollDay(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(p.day) {
		p.day = day
		p.dailyPnL = 0
	}
}
