package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerLatchesAndHolds(t *testing.T) {
	b := NewBreaker(DefaultThresholds())
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	require.False(t, b.Observe(Inputs{DailyDrawdownPct: 0.01}, now))

	require.True(t, b.Observe(Inputs{DailyDrawdownPct: 0.06}, now))
	tripped, reasons := b.Tripped()
	require.True(t, tripped)
	require.NotEmpty(t, reasons)
	require.Contains(t, reasons[0], "daily drawdown")
	require.Equal(t, now, b.TrippedAt())

	// healthy inputs do not clear the latch
	require.True(t, b.Observe(Inputs{}, now.Add(time.Hour)))
	tripped, _ = b.Tripped()
	require.True(t, tripped)
}

func TestBreakerResetClearsLatch(t *testing.T) {
	b := NewBreaker(DefaultThresholds())
	now := time.Now().UTC()
	b.Observe(Inputs{ConsecutiveLargeLosses: 3}, now)
	tripped, _ := b.Tripped()
	require.True(t, tripped)

	b.Reset()
	tripped, reasons := b.Tripped()
	require.False(t, tripped)
	require.Nil(t, reasons)
	require.True(t, b.TrippedAt().IsZero())
}

func TestBreakerTriggers(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name string
		in   Inputs
	}{
		{"volatility spike", Inputs{VolatilityPct: 0.07}},
		{"loss streak", Inputs{ConsecutiveLargeLosses: 4}},
		{"stream instability", Inputs{StreamUnstable: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBreaker(DefaultThresholds())
			require.True(t, b.Observe(tc.in, now))
		})
	}
}

func TestBreakerInstabilityTriggerCanBeDisabled(t *testing.T) {
	th := DefaultThresholds()
	th.TripOnStreamUnstable = false
	b := NewBreaker(th)
	require.False(t, b.Observe(Inputs{StreamUnstable: true}, time.Now().UTC()))
}
