package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
)

func bar(i int, close, volume float64) models.Candle {
	return models.Candle{
		Symbol:   "BTC-USDC",
		Interval: "1h",
		OpenTime: int64(i+1) * 3_600_000,
		Open:     close,
		High:     close * 1.001,
		Low:      close * 0.999,
		Close:    close,
		Volume:   volume,
		Closed:   true,
	}
}

func series(n int, f func(i int) float64) []models.Candle {
	out := make([]models.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, bar(i, f(i), 100))
	}
	return out
}

func TestEMASeededWithSMA(t *testing.T) {
	e := ema{period: 3}
	e.update(1)
	require.False(t, e.ready())
	e.update(2)
	e.update(3)
	require.True(t, e.ready())
	require.InDelta(t, 2.0, e.value(), 1e-12)

	// next value uses the standard recurrence with k = 2/(p+1)
	e.update(4)
	require.InDelta(t, (4-2.0)*0.5+2.0, e.value(), 1e-12)
}

func TestStateNotReadyBeforeWindowsFill(t *testing.T) {
	st := NewState()
	for i, c := range series(20, func(i int) float64 { return 100 + float64(i) }) {
		st.Update(c)
		if i < 19 {
			_, ok := st.Snapshot()
			require.False(t, ok, "bar %d should not be ready", i)
		}
	}
	// 20 bars fill volume SMA but MACD slow EMA needs 26 closes
	_, ok := st.Snapshot()
	require.False(t, ok)

	for _, c := range series(40, func(i int) float64 { return 100 + float64(i) })[20:] {
		st.Update(c)
	}
	snap, ok := st.Snapshot()
	require.True(t, ok)
	require.Greater(t, snap.ATR, 0.0)
	require.Greater(t, snap.VolumeSMA, 0.0)
}

func TestRSIExtremes(t *testing.T) {
	st := NewState()
	for _, c := range series(40, func(i int) float64 { return 100 + float64(i) }) {
		st.Update(c)
	}
	snap, ok := st.Snapshot()
	require.True(t, ok)
	require.InDelta(t, 100, snap.RSI, 1e-9, "monotone rising closes")

	st = NewState()
	for _, c := range series(40, func(i int) float64 { return 1000 - float64(i) }) {
		st.Update(c)
	}
	snap, ok = st.Snapshot()
	require.True(t, ok)
	require.InDelta(t, 0, snap.RSI, 1e-9, "monotone falling closes")
}

func TestNonMonotoneTimestampDropped(t *testing.T) {
	st := NewState()
	c := bar(5, 100, 10)
	require.True(t, st.Update(c))
	require.False(t, st.Update(c), "identical open time must be dropped")

	stale := bar(2, 90, 10)
	require.False(t, st.Update(stale), "older open time must be dropped")
}

func TestVolumeRatio(t *testing.T) {
	st := NewState()
	cs := series(40, func(i int) float64 { return 100 })
	cs[len(cs)-1].Volume = 200 // spike on last bar
	for _, c := range cs {
		st.Update(c)
	}
	snap, ok := st.Snapshot()
	require.True(t, ok)
	require.Greater(t, snap.VolumeRatio, 1.5)
}

func TestReplayDeterministic(t *testing.T) {
	cs := series(60, func(i int) float64 { return 60000 + 10*float64(i) })

	a, aprev, arsi, ok := Replay(cs)
	require.True(t, ok)
	b, bprev, brsi, ok2 := Replay(cs)
	require.True(t, ok2)

	require.Equal(t, a, b)
	require.Equal(t, aprev, bprev)
	require.Zero(t, math.Abs(arsi-brsi))
}

func TestReplayCausal(t *testing.T) {
	cs := series(80, func(i int) float64 { return 100 + math.Sin(float64(i)/5)*3 })

	// snapshot at bar 60 must not depend on bars 61..79
	cur60, _, _, ok := Replay(cs[:61])
	require.True(t, ok)

	st := NewState()
	for _, c := range cs[:61] {
		st.Update(c)
	}
	snap, ok := st.Snapshot()
	require.True(t, ok)
	require.Equal(t, cur60, snap)
}
