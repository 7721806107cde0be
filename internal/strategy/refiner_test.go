package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
)

func candles(n int, f func(i int) float64) []models.Candle {
	out := make([]models.Candle, 0, n)
	for i := 0; i < n; i++ {
		c := f(i)
		out = append(out, models.Candle{
			Symbol:    "BTC-USDC",
			Interval:  "1h",
			OpenTime:  int64(i+1) * 3_600_000,
			CloseTime: int64(i+2)*3_600_000 - 1,
			Open:      c,
			High:      c * 1.002,
			Low:       c * 0.998,
			Close:     c,
			Volume:    100,
			Closed:    true,
		})
	}
	return out
}

func decideInput(cs []models.Candle) DecideInput {
	return DecideInput{
		Candles: cs,
		Params:  models.DefaultStrategyParameters(),
		Now:     time.Unix(0, cs[len(cs)-1].CloseTime*int64(time.Millisecond)).UTC(),
		Version: 1,
	}
}

func TestDecideInsufficientHistory(t *testing.T) {
	sig := Decide(decideInput(candles(20, func(i int) float64 { return 100 })))
	require.Equal(t, models.ActionHold, sig.Action)
	require.InDelta(t, 0.2, sig.Confidence, 1e-9)
	require.Contains(t, sig.Reasons[0], "insufficient history")
}

func TestDecideChopOnFlatMarket(t *testing.T) {
	// nearly zero range keeps atrPct under minAtrPct
	cs := candles(60, func(i int) float64 { return 60000 })
	for i := range cs {
		cs[i].High = cs[i].Close * 1.0002
		cs[i].Low = cs[i].Close * 0.9998
	}
	sig := Decide(decideInput(cs))
	require.Equal(t, models.RegimeChop, sig.Regime)
	require.Equal(t, models.ActionHold, sig.Action)
	require.GreaterOrEqual(t, sig.Confidence, 0.1)
}

func TestDecideSellOnDowntrendWithHoldings(t *testing.T) {
	in := decideInput(candles(80, func(i int) float64 { return 60000 - 120*float64(i) }))
	in.Holdings = 0.5
	sig := Decide(in)
	require.Equal(t, models.RegimeTrendingDown, sig.Regime)
	require.Equal(t, models.ActionSell, sig.Action)

	in.Holdings = 0
	sig = Decide(in)
	require.Equal(t, models.ActionHold, sig.Action, "no holdings means nothing to sell")
}

func TestDecideBuyConfidenceFloor(t *testing.T) {
	in := decideInput(candles(80, func(i int) float64 { return 60000 + 90*float64(i) }))
	in.LastTradeAt = in.Now.Add(-20 * time.Hour) // fully relaxed gate
	sig := Decide(in)
	if sig.Action == models.ActionBuy {
		require.GreaterOrEqual(t, sig.Confidence, 0.62)
	}
	require.LessOrEqual(t, sig.Confidence, 0.95)
	require.GreaterOrEqual(t, sig.Confidence, 0.1)
}

func TestDecideDeterminism(t *testing.T) {
	in := decideInput(candles(60, func(i int) float64 { return 60000 + 10*float64(i) }))
	in.LastTradeAt = in.Now
	require.NoError(t, AuditDeterminism(in, 100))
}

func TestDecideRobustness(t *testing.T) {
	in := decideInput(candles(60, func(i int) float64 { return 60000 + 10*float64(i) }))
	in.LastTradeAt = in.Now
	agree := AuditRobustness(in, 20)
	require.GreaterOrEqual(t, agree, 12, "action must survive ±0.1%% close noise on >=60%% of trials")
}

func TestRelaxationSchedule(t *testing.T) {
	require.Zero(t, relaxation(time.Hour))
	require.Zero(t, relaxation(2*time.Hour))
	require.InDelta(t, 0.04, relaxation(8*time.Hour), 1e-9)
	require.InDelta(t, 0.08, relaxation(14*time.Hour), 1e-9)
	require.InDelta(t, 0.08, relaxation(48*time.Hour), 1e-9, "relaxation is capped")
}

func TestRegimeClassification(t *testing.T) {
	p := models.DefaultStrategyParameters()
	snap := models.IndicatorSnapshot{EMAShort: 101, EMALong: 100, ATR: 1}

	cases := []struct {
		name   string
		close  float64
		atrPct float64
		want   models.Regime
	}{
		{"chop below min atr", 101.5, p.MinATRPct / 2, models.RegimeChop},
		{"high vol above 1.2x max", 101.5, 1.3 * p.MaxATRPct, models.RegimeHighVolatility},
		{"ranging inside gap band", 100.95, 0.01, models.RegimeRanging},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyRegime(snap, tc.close, tc.atrPct, p)
			require.Equal(t, tc.want, got)
		})
	}

	// trend gap above threshold with close at/above short EMA
	up := models.IndicatorSnapshot{EMAShort: 102, EMALong: 100}
	require.Equal(t, models.RegimeTrendingUp, classifyRegime(up, 103, 0.01, p))

	down := models.IndicatorSnapshot{EMAShort: 98, EMALong: 100}
	require.Equal(t, models.RegimeTrendingDown, classifyRegime(down, 97, 0.01, p))
}
