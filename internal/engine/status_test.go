package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusCounterInvariant(t *testing.T) {
	s := NewStatusTracker(true, 0.6)

	for i := 0; i < 10; i++ {
		s.Evaluation()
		if i%2 == 0 {
			s.Signal()
		}
		if i%4 == 0 {
			s.Trade()
		}
	}

	snap := s.Snapshot(2)
	require.LessOrEqual(t, snap.TradesExecuted, snap.Signals)
	require.LessOrEqual(t, snap.Signals, snap.Evaluations)
	require.Equal(t, int64(10), snap.Evaluations)
	require.Equal(t, 2, snap.OpenPositions)
}

func TestStatusSettings(t *testing.T) {
	s := NewStatusTracker(false, 1.7)
	require.Equal(t, 1.0, s.ConfidenceThreshold(), "threshold clamps to [0,1]")
	require.False(t, s.AutoPaper())

	s.SetAutoPaper(true)
	s.SetConfidenceThreshold(-0.5)
	require.True(t, s.AutoPaper())
	require.Zero(t, s.ConfidenceThreshold())

	now := time.Now().UTC()
	s.SetRunning(true)
	s.Heartbeat(now)
	snap := s.Snapshot(0)
	require.True(t, snap.Running)
	require.Equal(t, now, snap.LastHeartbeat)
}

func TestPortfolioStreaksAndDayRoll(t *testing.T) {
	p := NewPortfolio(1000)
	day1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	p.RecordSell(100, -20, -1.2, day1)
	p.RecordSell(100, -5, -0.3, day1.Add(time.Hour))
	require.Equal(t, 2, p.LossStreak())
	require.Zero(t, p.LargeLossRun(), "a shallow loss resets the large-loss run")
	require.InDelta(t, -25, p.DailyPnL(day1.Add(time.Hour)), 1e-9)

	p.RecordSell(100, 30, 1.5, day1.Add(2*time.Hour))
	require.Zero(t, p.LossStreak())

	day2 := day1.Add(24 * time.Hour)
	require.Zero(t, p.DailyPnL(day2), "daily pnl resets at the UTC day boundary")

	require.InDelta(t, 1300, p.Balance(), 1e-9)
}

func TestPortfolioBuyDebitsBalance(t *testing.T) {
	p := NewPortfolio(500)
	now := time.Now().UTC()
	p.RecordBuy(120.5, now)
	require.InDelta(t, 379.5, p.Balance(), 1e-9)
	require.Equal(t, now, p.LastTradeAt())
}
