package models

import "time"

// Action is the discrete outcome of one evaluation.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Regime is the coarse market state label.
type Regime string

const (
	RegimeTrendingUp     Regime = "TRENDING_UP"
	RegimeTrendingDown   Regime = "TRENDING_DOWN"
	RegimeRanging        Regime = "RANGING"
	RegimeChop           Regime = "CHOP"
	RegimeHighVolatility Regime = "HIGH_VOLATILITY"
)

// MarketStatus mirrors the training-log view of a regime.
type MarketStatus string

const (
	MarketActive        MarketStatus = "ACTIVE"
	MarketLowVolatility MarketStatus = "LOW_VOLATILITY"
)

// Status maps a regime onto the training-log market status.
func (r Regime) Status() MarketStatus {
	if r == RegimeChop {
		return MarketLowVolatility
	}
	return MarketActive
}

// Signal is what the refinement engine produces for one evaluation.
type Signal struct {
	Action       Action   `json:"action"`
	Confidence   float64  `json:"confidence"`
	Regime       Regime   `json:"regime"`
	ModelVersion int64    `json:"modelVersion"`
	Reasons      []string `json:"reasons"`
	SetupScore   float64  `json:"setupScore"`
}

// Decision is the append-only journal record of one evaluation tick.
type Decision struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"ts"`
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	InputsHash   string    `json:"inputsHash"`
	Signal       Action    `json:"signal"`
	Confidence   float64   `json:"confidence"`
	Regime       Regime    `json:"regime"`
	Reasons      []string  `json:"reasons"`
	ModelVersion int64     `json:"modelVersion"`
}
