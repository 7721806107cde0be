package risk

import (
	"fmt"

	"papertrader/internal/domain/models"
	"papertrader/pkg/logger"
)

const (
	minBalance  = 15.0
	minNotional = 10.0

	streakStepDown = 0.15
	streakFloor    = 0.45
	drawdownFloor  = 0.5
)

// PortfolioView is the snapshot of account state a gate decision needs.
// The symbol actor assembles it; the manager never reads shared state.
type PortfolioView struct {
	Balance          float64
	Equity           float64
	OpenPositions    int
	DailyRealizedPnL float64
	LossStreak       int
	Holdings         float64
}

// Assessment is the outcome of a risk gate pass.
type Assessment struct {
	Allowed      bool
	Reasons      []string
	Qty          float64
	StopLoss     float64
	TakeProfit   float64
	StopDistance float64
	RiskBudget   float64
}

// Limits are the account-wide caps layered over per-trade sizing. A zero
// field disables that cap.
type Limits struct {
	// MaxPositionSizePct caps one position's notional as a share of equity.
	MaxPositionSizePct float64
	// MaxExposurePct caps total non-cash exposure as a share of equity.
	MaxExposurePct float64
}

// Manager applies the layered BUY/SELL gates, sizes orders from the
// ATR-based stop distance and clamps size to the account caps.
type Manager struct {
	limits Limits
	log    *logger.Logger
}

func NewManager(limits Limits, log *logger.Logger) *Manager {
	return &Manager{limits: limits, log: log}
}

// EvaluateBuy runs the gate chain in order and, when every gate passes,
// computes stop, target and quantity. The first failing gate short-circuits.
func (m *Manager) EvaluateBuy(
	p models.StrategyParameters,
	view PortfolioView,
	price, atr float64,
	regime models.Regime,
) Assessment {
	var a Assessment

	if view.Balance <= minBalance {
		a.Reasons = append(a.Reasons, fmt.Sprintf("balance %.2f below minimum %.2f", view.Balance, minBalance))
		return a
	}
	if regime == models.RegimeChop {
		a.Reasons = append(a.Reasons, "regime CHOP blocks entries")
		return a
	}
	if view.OpenPositions >= p.MaxConcurrentTrades {
		a.Reasons = append(a.Reasons, fmt.Sprintf("open positions %d at limit %d", view.OpenPositions, p.MaxConcurrentTrades))
		return a
	}
	maxDailyLoss := p.DailyMaxLossPct * view.Equity
	if view.DailyRealizedPnL <= -maxDailyLoss {
		a.Reasons = append(a.Reasons, fmt.Sprintf("daily pnl %.2f beyond loss cap %.2f", view.DailyRealizedPnL, maxDailyLoss))
		return a
	}
	if view.LossStreak >= p.KillSwitchLosses {
		a.Reasons = append(a.Reasons, fmt.Sprintf("loss streak %d hit kill switch %d", view.LossStreak, p.KillSwitchLosses))
		return a
	}
	atrPct := 0.0
	if price > 0 {
		atrPct = atr / price
	}
	if atrPct < p.MinATRPct || atrPct > p.MaxATRPct {
		a.Reasons = append(a.Reasons, fmt.Sprintf("atrPct %.5f outside [%.5f, %.5f]", atrPct, p.MinATRPct, p.MaxATRPct))
		return a
	}

	base := view.Equity * p.MaxRiskPerTradePct
	streakMult := 1 - streakStepDown*float64(view.LossStreak)
	if streakMult < streakFloor {
		streakMult = streakFloor
	}
	ddMult := 1.0
	if view.DailyRealizedPnL < 0 && maxDailyLoss > 0 {
		ddMult = 1 + view.DailyRealizedPnL/maxDailyLoss
		if ddMult < drawdownFloor {
			ddMult = drawdownFloor
		}
	}
	risk := base * streakMult * ddMult

	stopDistance := atr * p.StopLossATR * p.ATRMultiplier
	tpDistance := atr * p.TakeProfitATR * p.ATRMultiplier
	if stopDistance <= 0 {
		a.Reasons = append(a.Reasons, "zero stop distance")
		return a
	}

	qty := risk / stopDistance
	if m.limits.MaxPositionSizePct > 0 {
		if maxPosition := view.Equity * m.limits.MaxPositionSizePct / price; qty > maxPosition {
			qty = maxPosition
		}
	}
	if m.limits.MaxExposurePct > 0 {
		exposure := view.Equity - view.Balance
		headroom := view.Equity*m.limits.MaxExposurePct - exposure
		if headroom < minNotional {
			a.Reasons = append(a.Reasons, fmt.Sprintf("exposure %.2f leaves no headroom under cap %.2f", exposure, view.Equity*m.limits.MaxExposurePct))
			return a
		}
		if qty*price > headroom {
			qty = headroom / price
		}
	}
	if maxAffordable := view.Balance / price; qty > maxAffordable {
		qty = maxAffordable
	}
	if qty*price < minNotional {
		a.Reasons = append(a.Reasons, fmt.Sprintf("notional %.2f below minimum %.2f", qty*price, minNotional))
		return a
	}

	a.Allowed = true
	a.Qty = qty
	a.StopLoss = price - stopDistance
	a.TakeProfit = price + tpDistance
	a.StopDistance = stopDistance
	a.RiskBudget = risk
	a.Reasons = append(a.Reasons, fmt.Sprintf("risk %.2f stop %.4f target %.4f qty %.8f", risk, a.StopLoss, a.TakeProfit, qty))
	return a
}

// EvaluateSell allows an exit iff there is anything to sell. A zero qty
// request defaults to the full position.
func (m *Manager) EvaluateSell(view PortfolioView, qty float64) Assessment {
	var a Assessment
	if view.Holdings <= 0 {
		a.Reasons = append(a.Reasons, "no holdings to sell")
		return a
	}
	if qty <= 0 || qty > view.Holdings {
		qty = view.Holdings
	}
	a.Allowed = true
	a.Qty = qty
	a.Reasons = append(a.Reasons, fmt.Sprintf("sell %.8f of %.8f held", qty, view.Holdings))
	return a
}
