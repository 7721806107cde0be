package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusDispatchesByKind(t *testing.T) {
	b := NewBus()

	var market, all int
	b.Subscribe(KindMarketUpdate, func(e Event) { market++ })
	b.SubscribeAll(func(e Event) { all++ })
	b.Seal()

	b.Publish(Event{Kind: KindMarketUpdate, Symbol: "BTC-USDC", Payload: MarketUpdate{Symbol: "BTC-USDC"}})
	b.Publish(Event{Kind: KindTradeExecuted, Symbol: "BTC-USDC"})

	require.Equal(t, 1, market)
	require.Equal(t, 2, all)
}

func TestBusStampsTimestamp(t *testing.T) {
	b := NewBus()
	var got Event
	b.Subscribe(KindBreakerTripped, func(e Event) { got = e })
	b.Seal()

	b.Publish(Event{Kind: KindBreakerTripped})
	require.False(t, got.Timestamp.IsZero())
	require.WithinDuration(t, time.Now().UTC(), got.Timestamp, time.Second)
}

func TestSubscribeAfterSealPanics(t *testing.T) {
	b := NewBus()
	b.Seal()
	require.Panics(t, func() {
		b.Subscribe(KindMarketUpdate, func(Event) {})
	})
}
