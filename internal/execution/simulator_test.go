package execution

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
)

func TestFillIsDeterministic(t *testing.T) {
	s := NewSimulator(0.001)
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	a := s.Fill("BTC-USDC", models.SideBuy, 60000, 0.004, 0.1, ts)
	b := s.Fill("BTC-USDC", models.SideBuy, 60000, 0.004, 0.1, ts)
	require.Equal(t, a, b)

	// changing any hash input moves the slippage draw
	c := s.Fill("BTC-USDC", models.SideSell, 60000, 0.004, 0.1, ts)
	require.NotEqual(t, a.Slippage, c.Slippage)
}

func TestFillCrossesSpreadDirectionally(t *testing.T) {
	s := NewSimulator(0.001)
	ts := time.Now().UTC()
	ref := 60000.0

	buy := s.Fill("BTC-USDC", models.SideBuy, ref, 0.004, 0.1, ts)
	require.Greater(t, buy.FillPrice, ref)

	sell := s.Fill("BTC-USDC", models.SideSell, ref, 0.004, 0.1, ts)
	require.Less(t, sell.FillPrice, ref)
}

func TestFillCostModel(t *testing.T) {
	s := NewSimulator(0.001)
	ts := time.Now().UTC()
	ref := 50000.0
	atrPct := 0.004
	qty := 0.2

	sim := s.Fill("ETH-USDC", models.SideBuy, ref, atrPct, qty, ts)

	wantSpread := ref * (0.00015 + math.Min(0.001, 0.18*atrPct))
	require.InDelta(t, wantSpread, sim.Spread, 1e-9)

	// slippage sits between the floor and floor+jitter
	floor := ref * (0.00005 + 0.08*atrPct)
	require.GreaterOrEqual(t, sim.Slippage, floor)
	require.Less(t, sim.Slippage, floor+ref*0.0002)

	require.InDelta(t, RoundPrice(ref+sim.Spread/2+sim.Slippage), sim.FillPrice, 1e-9)
	require.InDelta(t, RoundPrice(0.001*sim.FillPrice*qty), sim.Fees, 1e-9)
}

func TestSpreadVolatilityAddIsCapped(t *testing.T) {
	s := NewSimulator(0.001)
	sim := s.Fill("BTC-USDC", models.SideBuy, 1000, 0.5, 1, time.Now().UTC())
	require.InDelta(t, 1000*(0.00015+0.001), sim.Spread, 1e-9)
}

func TestHashUnitRange(t *testing.T) {
	ts := time.Now().UTC()
	for i := 0; i < 200; i++ {
		u := hashUnit("BTC-USDC", ts.Add(time.Duration(i)*time.Minute), models.SideBuy)
		require.GreaterOrEqual(t, u, 0.0)
		require.Less(t, u, 1.0)
	}
}

func TestClosePnL(t *testing.T) {
	slice := Consumed{
		Qty:                1,
		EntryPrice:         100,
		InitialRiskPerUnit: 2,
		EntryFeePerUnit:    0.1,
	}
	exit := models.ExecutionSimulation{FillPrice: 98, Fees: 0.098}

	pnl, r := ClosePnL(slice, exit)
	require.InDelta(t, -2-0.1-0.098, pnl, 1e-12)
	require.InDelta(t, pnl/2, r, 1e-12)
}

func TestRounding(t *testing.T) {
	require.Equal(t, 60000.123457, RoundPrice(60000.1234567))
	require.Equal(t, 0.12345679, RoundSize(0.123456789))
}
