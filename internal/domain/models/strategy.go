package models

import "time"

// StrategyParameters is the immutable tunable set one strategy version runs with.
type StrategyParameters struct {
	MinScore            float64 `json:"minScore"`
	ATRMultiplier       float64 `json:"atrMultiplier"`
	StopLossATR         float64 `json:"stopLossATR"`
	TakeProfitATR       float64 `json:"takeProfitATR"`
	MaxRiskPerTradePct  float64 `json:"maxRiskPerTradePct"`
	DailyMaxLossPct     float64 `json:"dailyMaxLossPct"`
	MaxConcurrentTrades int     `json:"maxConcurrentTrades"`
	KillSwitchLosses    int     `json:"killSwitchLosses"`
	MinATRPct           float64 `json:"minAtrPct"`
	MaxATRPct           float64 `json:"maxAtrPct"`
}

// DefaultStrategyParameters is the seed parameter set for a fresh engine.
func DefaultStrategyParameters() StrategyParameters {
	return StrategyParameters{
		MinScore:            0.62,
		ATRMultiplier:       1.1,
		StopLossATR:         1.5,
		TakeProfitATR:       2.6,
		MaxRiskPerTradePct:  0.01,
		DailyMaxLossPct:     0.04,
		MaxConcurrentTrades: 3,
		KillSwitchLosses:    4,
		MinATRPct:           0.0012,
		MaxATRPct:           0.03,
	}
}

// Sanitize clamps every field into its allowed interval. The bounds are a
// hard contract: refinement candidates pass through here before commit.
func (p StrategyParameters) Sanitize() StrategyParameters {
	p.MinScore = clampF(p.MinScore, 0.5, 0.95)
	p.ATRMultiplier = clampF(p.ATRMultiplier, 0.6, 2.5)
	p.StopLossATR = clampF(p.StopLossATR, 0.8, 3.5)
	p.TakeProfitATR = clampF(p.TakeProfitATR, 1.2, 5)
	p.MaxRiskPerTradePct = clampF(p.MaxRiskPerTradePct, 0.003, 0.03)
	p.DailyMaxLossPct = clampF(p.DailyMaxLossPct, 0.01, 0.1)
	p.MaxConcurrentTrades = clampI(p.MaxConcurrentTrades, 1, 5)
	p.KillSwitchLosses = clampI(p.KillSwitchLosses, 2, 6)
	p.MinATRPct = clampF(p.MinATRPct, 0.0008, 0.02)
	p.MaxATRPct = clampF(p.MaxATRPct, 0.005, 0.08)
	return p
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StrategyRevision is one committed entry of the bounded parameter history.
type StrategyRevision struct {
	Version    int64              `json:"version"`
	Parameters StrategyParameters `json:"parameters"`
	Notes      string             `json:"notes"`
	Timestamp  time.Time          `json:"ts"`
}

// StrategyWarning is one entry of the bounded warnings buffer.
type StrategyWarning struct {
	Timestamp time.Time `json:"ts"`
	Message   string    `json:"message"`
}
