package strategy

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
)

// syntheticTrades builds n closed SELL legs with alternating outcomes.
// Every winPeriod-th trade loses.
func syntheticTrades(n int, winPeriod int) []models.Trade {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Trade, 0, n)
	for i := 0; i < n; i++ {
		pnl := 1.5
		if i%winPeriod == 0 {
			pnl = -1.0
		}
		r := pnl / 1.0
		out = append(out, models.Trade{
			ID:         fmt.Sprintf("t-%04d", i),
			Symbol:     "BTC-USDC",
			Side:       models.SideSell,
			Price:      100,
			Amount:     0.1,
			Timestamp:  base.Add(time.Duration(i) * 10 * time.Minute),
			PnL:        &pnl,
			RMultiple:  &r,
			SetupScore: 0.6 + 0.3*float64(i%5)/5,
			ATRPct:     0.004 + 0.001*float64(i%3),
		})
	}
	return out
}

func TestComputeMetrics(t *testing.T) {
	trades := syntheticTrades(10, 5) // 2 losses, 8 wins
	m := ComputeMetrics(trades)

	require.Equal(t, 10, m.Trades)
	require.Equal(t, 8, m.Wins)
	require.Equal(t, 2, m.Losses)
	require.InDelta(t, 0.8, m.WinRate, 1e-12)
	require.InDelta(t, 8*1.5-2*1.0, m.NetPnL, 1e-12)
	require.InDelta(t, 12.0/2.0, m.ProfitFactor, 1e-12)
	require.GreaterOrEqual(t, m.DrawdownPct, 0.0)
}

func TestComputeMetricsAllWinners(t *testing.T) {
	trades := syntheticTrades(8, 100) // index 0 still loses, rest win
	trades = trades[1:]
	m := ComputeMetrics(trades)
	require.True(t, math.IsInf(m.ProfitFactor, 1))
	require.Zero(t, m.DrawdownPct)
}

func TestLossClusters(t *testing.T) {
	loss := -2.0
	win := 3.0
	mk := func(pnl *float64, i int) models.Trade {
		return models.Trade{
			ID:        fmt.Sprintf("c-%d", i),
			Side:      models.SideSell,
			Timestamp: time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC),
			PnL:       pnl,
		}
	}
	trades := []models.Trade{
		mk(&win, 0), mk(&loss, 1), mk(&loss, 2), mk(&loss, 3),
		mk(&win, 4), mk(&loss, 5), mk(&win, 6),
	}
	clusters := FindLossClusters(trades, 2)
	require.Len(t, clusters, 1)
	require.Equal(t, 1, clusters[0].Start)
	require.Equal(t, 3, clusters[0].Length)
	require.InDelta(t, 6.0, clusters[0].TotalLoss, 1e-12)
}

func TestWalkForwardRunWindows(t *testing.T) {
	trades := syntheticTrades(120, 4)
	baseline := models.DefaultStrategyParameters()
	candidate := baseline
	candidate.MinScore = baseline.MinScore * 1.05

	results := Run(trades, baseline, candidate)
	require.GreaterOrEqual(t, len(results), 1)

	accepted := 0
	for _, w := range results {
		require.False(t, math.IsNaN(w.Forward.Sharpe))
		require.False(t, math.IsNaN(w.Forward.ProfitFactor))
		require.False(t, math.IsNaN(w.Forward.DrawdownPct))
		require.GreaterOrEqual(t, w.Forward.DrawdownPct, 0.0)
		if w.Accepted {
			accepted++
		}
	}
	require.LessOrEqual(t, accepted, len(results))
}

func TestEvaluateAcceptanceImpliesInvariants(t *testing.T) {
	trades := syntheticTrades(100, 3)
	baseline := models.DefaultStrategyParameters()
	candidate := baseline
	candidate.MinScore = baseline.MinScore * 1.04

	accepted, _ := Evaluate(trades, baseline, candidate)
	if !accepted {
		return
	}

	closed := ClosedTrades(trades)
	forward := closed[int(float64(len(closed))*trainFraction):]
	baseM := ComputeMetrics(FilterByParams(forward, baseline))
	candM := ComputeMetrics(FilterByParams(forward, candidate))
	require.LessOrEqual(t, candM.DrawdownPct, baseM.DrawdownPct)
	require.GreaterOrEqual(t, candM.ProfitFactor, baseM.ProfitFactor)
}

func TestEvaluateRejectsThinForwardSample(t *testing.T) {
	trades := syntheticTrades(40, 4)
	baseline := models.DefaultStrategyParameters()
	candidate := baseline
	candidate.MinScore = 0.95 // filters out nearly every trade

	accepted, reason := Evaluate(trades, baseline, candidate)
	require.False(t, accepted)
	require.Contains(t, reason, "forward trades")
}
