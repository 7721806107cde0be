package stream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
)

func bar(openTime int64, close float64, closed bool) models.Candle {
	return models.Candle{
		Symbol:    "BTC-USDC",
		Interval:  "1h",
		OpenTime:  openTime,
		CloseTime: openTime + 3600_000 - 1,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    10,
		Closed:    closed,
	}
}

func TestRingUpsertReplacesSameOpenTime(t *testing.T) {
	r := NewRing(10)
	require.True(t, r.Upsert(bar(1000, 100, false)))
	require.True(t, r.Upsert(bar(1000, 101, false)))
	require.Equal(t, 1, r.Len())

	last, ok := r.Last()
	require.True(t, ok)
	require.Equal(t, 101.0, last.Close)
}

func TestRingNeverDemotesClosedBar(t *testing.T) {
	r := NewRing(10)
	r.Upsert(bar(1000, 100, true))
	require.False(t, r.Upsert(bar(1000, 99, false)))

	last, _ := r.Last()
	require.True(t, last.Closed)
	require.Equal(t, 100.0, last.Close)
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := int64(0); i < 5; i++ {
		r.Upsert(bar(1000+i, float64(100+i), true))
	}
	require.Equal(t, 3, r.Len())
	cs := r.Candles()
	require.Equal(t, int64(1002), cs[0].OpenTime)
	require.Equal(t, int64(1004), cs[2].OpenTime)
}

func TestRingBackfillInsertsOutOfOrder(t *testing.T) {
	r := NewRing(10)
	r.Upsert(bar(1000, 100, true))
	r.Upsert(bar(3000, 102, true))
	// the bar in between arrives late via backfill
	require.True(t, r.Upsert(bar(2000, 101, true)))

	cs := r.Candles()
	require.Equal(t, []int64{1000, 2000, 3000}, []int64{cs[0].OpenTime, cs[1].OpenTime, cs[2].OpenTime})
}

func TestRingDropsBarsOlderThanBuffer(t *testing.T) {
	r := NewRing(10)
	r.Upsert(bar(2000, 100, true))
	require.False(t, r.Upsert(bar(1000, 99, true)))
	require.Equal(t, 1, r.Len())
}

func TestRingClosedViewSkipsTrailingPartial(t *testing.T) {
	r := NewRing(10)
	r.Upsert(bar(1000, 100, true))
	r.Upsert(bar(2000, 101, true))
	r.Upsert(bar(3000, 102, false))

	require.Len(t, r.Closed(), 2)

	lastClosed, ok := r.LastClosed()
	require.True(t, ok)
	require.Equal(t, int64(2000), lastClosed.OpenTime)

	last, _ := r.Last()
	require.Equal(t, int64(3000), last.OpenTime)
}
