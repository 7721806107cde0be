package execution

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"papertrader/internal/domain/models"
)

const (
	baseSpreadPct   = 0.00015
	maxSpreadVolAdd = 0.001
	spreadVolFactor = 0.18

	baseSlippagePct   = 0.00005
	slippageVolFactor = 0.08
	slippageJitterPct = 0.0002

	// DefaultTakerFeeRate mirrors the venue taker schedule used in paper mode.
	DefaultTakerFeeRate = 0.001
)

// Simulator derives paper fill prices from a reference price and current
// volatility. Two calls with the same (symbol, ts, side) always return the
// same simulation, so replays reproduce history exactly.
type Simulator struct {
	feeRate float64
}

func NewSimulator(feeRate float64) *Simulator {
	if feeRate <= 0 {
		feeRate = DefaultTakerFeeRate
	}
	return &Simulator{feeRate: feeRate}
}

func (s *Simulator) FeeRate() float64 { return s.feeRate }

// Fill computes the simulated execution for a market order. dir is +1 for
// BUY and -1 for SELL, so buys cross the spread upward and sells downward.
func (s *Simulator) Fill(symbol string, side models.Side, ref, atrPct, qty float64, ts time.Time) models.ExecutionSimulation {
	spread := ref * (baseSpreadPct + math.Min(maxSpreadVolAdd, spreadVolFactor*atrPct))
	slippage := ref * (baseSlippagePct + slippageVolFactor*atrPct + slippageJitterPct*hashUnit(symbol, ts, side))

	dir := 1.0
	if side == models.SideSell {
		dir = -1.0
	}
	fill := RoundPrice(ref + dir*(spread/2+slippage))
	fees := RoundPrice(s.feeRate * fill * qty)

	return models.ExecutionSimulation{
		ReferencePrice: ref,
		Spread:         spread,
		Slippage:       slippage,
		FillPrice:      fill,
		FeeRate:        s.feeRate,
		Fees:           fees,
	}
}

// ClosePnL realizes a consumed slice against an exit fill.
func ClosePnL(slice Consumed, exit models.ExecutionSimulation) (pnl, rMultiple float64) {
	entryFees := slice.EntryFeePerUnit * slice.Qty
	pnl = (exit.FillPrice-slice.EntryPrice)*slice.Qty - entryFees - exit.Fees
	if risk := slice.InitialRiskPerUnit * slice.Qty; risk > 0 {
		rMultiple = pnl / risk
	}
	return pnl, rMultiple
}

// hashUnit maps (symbol, ts, side) to a uniform value in [0, 1).
func hashUnit(symbol string, ts time.Time, side models.Side) float64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", symbol, ts.UnixMilli(), side)))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(math.MaxUint64)
}

// Store-boundary rounding: prices to 6dp, sizes to 8dp. Ratios and
// indicator math stay unrounded.
func RoundPrice(v float64) float64 { return math.Round(v*1e6) / 1e6 }
func RoundSize(v float64) float64  { return math.Round(v*1e8) / 1e8 }
