package strategy

import (
	"fmt"

	"papertrader/internal/domain/models"
)

// Walk-forward layout: a chronological train/test split, no look-ahead.
const (
	trainFraction    = 0.7
	minForwardTrades = 6

	rollingWindow = 40
	rollingStep   = 20
)

// WindowResult is the evaluation of one walk-forward window.
type WindowResult struct {
	Start    int                `json:"start"`
	End      int                `json:"end"`
	Train    PerformanceMetrics `json:"train"`
	Forward  PerformanceMetrics `json:"forward"`
	Accepted bool               `json:"accepted"`
}

// FilterByParams keeps trades a parameter set would have taken: entry score
// at or above minScore and ATR percent inside the allowed band.
func FilterByParams(trades []models.Trade, p models.StrategyParameters) []models.Trade {
	out := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		if t.SetupScore > 0 && t.SetupScore < p.MinScore {
			continue
		}
		if t.ATRPct > 0 && (t.ATRPct < p.MinATRPct || t.ATRPct > p.MaxATRPct) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Evaluate runs the 70/30 acceptance test of a candidate against the
// baseline. The candidate passes iff its forward drawdown is not worse, its
// forward profit factor is at least the baseline's, and it retains at least
// max(minForwardTrades, 0.5·baseline) forward trades.
func Evaluate(trades []models.Trade, baseline, candidate models.StrategyParameters) (accepted bool, reason string) {
	closed := ClosedTrades(trades)
	if len(closed) < 10 {
		return false, fmt.Sprintf("only %d closed trades, need 10", len(closed))
	}

	split := int(float64(len(closed)) * trainFraction)
	forward := closed[split:]

	baseFwd := FilterByParams(forward, baseline)
	candFwd := FilterByParams(forward, candidate)

	minTrades := minForwardTrades
	if half := len(baseFwd) / 2; half > minTrades {
		minTrades = half
	}
	if len(candFwd) < minTrades {
		return false, fmt.Sprintf("candidate keeps %d forward trades, need %d", len(candFwd), minTrades)
	}

	baseM := ComputeMetrics(baseFwd)
	candM := ComputeMetrics(candFwd)

	if candM.DrawdownPct > baseM.DrawdownPct {
		return false, fmt.Sprintf("candidate drawdown %.4f worse than baseline %.4f", candM.DrawdownPct, baseM.DrawdownPct)
	}
	if candM.ProfitFactor < baseM.ProfitFactor {
		return false, fmt.Sprintf("candidate profit factor %.3f below baseline %.3f", candM.ProfitFactor, baseM.ProfitFactor)
	}
	return true, fmt.Sprintf("forward pf %.3f>=%.3f dd %.4f<=%.4f trades %d",
		candM.ProfitFactor, baseM.ProfitFactor, candM.DrawdownPct, baseM.DrawdownPct, len(candFwd))
}

// Run evaluates the candidate over rolling windows of the trade history and
// returns one result per window. Used for reporting; the refinement gate
// itself uses Evaluate on the full range.
func Run(trades []models.Trade, baseline, candidate models.StrategyParameters) []WindowResult {
	closed := ClosedTrades(trades)
	if len(closed) < rollingWindow {
		if len(closed) == 0 {
			return nil
		}
		acc, _ := Evaluate(closed, baseline, candidate)
		split := int(float64(len(closed)) * trainFraction)
		return []WindowResult{{
			Start:    0,
			End:      len(closed),
			Train:    ComputeMetrics(closed[:split]),
			Forward:  ComputeMetrics(closed[split:]),
			Accepted: acc,
		}}
	}

	var out []WindowResult
	for start := 0; start+rollingWindow <= len(closed); start += rollingStep {
		window := closed[start : start+rollingWindow]
		split := int(float64(len(window)) * trainFraction)
		acc, _ := Evaluate(window, baseline, candidate)
		out = append(out, WindowResult{
			Start:    start,
			End:      start + rollingWindow,
			Train:    ComputeMetrics(window[:split]),
			Forward:  ComputeMetrics(window[split:]),
			Accepted: acc,
		})
	}
	return out
}
