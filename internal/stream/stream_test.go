package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
	"papertrader/internal/domain/repository"
	"papertrader/internal/events"
	"papertrader/pkg/logger"
)

// fakeMarket scripts a venue: a REST kline snapshot plus a sequence of
// push connections the stream attaches to.
type fakeMarket struct {
	mu         sync.Mutex
	klines     []models.Candle
	klineErr   error
	klineCalls int
	conns      []*fakeConn
	attached   int
}

type fakeConn struct {
	msgs chan models.Candle
	errs chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan models.Candle, 16), errs: make(chan error, 1)}
}

func (f *fakeMarket) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.klineCalls++
	if f.klineErr != nil {
		return nil, f.klineErr
	}
	out := make([]models.Candle, len(f.klines))
	copy(out, f.klines)
	return out, nil
}

func (f *fakeMarket) StreamKlines(ctx context.Context, symbol, interval string) (<-chan models.Candle, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached >= len(f.conns) {
		return nil, nil, errors.New("no more scripted connections")
	}
	c := f.conns[f.attached]
	f.attached++
	return c.msgs, c.errs, nil
}

func testStream(t *testing.T, md MarketData) (*Stream, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	cfg := Config{
		Interval:       "1h",
		MaxBuffer:      100,
		HeartbeatEvery: 10 * time.Millisecond,
		StaleAfter:     time.Hour, // heartbeat never fires in tests unless overridden
		ReconnectMin:   time.Millisecond,
		ReconnectMax:   2 * time.Millisecond,
	}
	return New(cfg, md, bus, repository.NopMetrics{}, logger.Nop()), bus
}

func collect(ch chan models.Candle, t *testing.T) models.Candle {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivered bar")
		return models.Candle{}
	}
}

func TestBootstrapSeedsBuffer(t *testing.T) {
	md := &fakeMarket{klines: []models.Candle{bar(1000, 100, true), bar(2000, 101, true)}}
	s, _ := testStream(t, md)

	require.NoError(t, s.Bootstrap(context.Background(), "BTC-USDC"))
	require.Len(t, s.Buffer("BTC-USDC"), 2)
	require.False(t, s.IsUnstable("BTC-USDC"))
}

func TestBootstrapErrorMarksUnstable(t *testing.T) {
	md := &fakeMarket{klineErr: errors.New("venue down")}
	s, _ := testStream(t, md)

	require.Error(t, s.Bootstrap(context.Background(), "BTC-USDC"))
	require.True(t, s.IsUnstable("BTC-USDC"))
}

func TestClosedBarsDeliveredExactlyOnce(t *testing.T) {
	conn := newFakeConn()
	md := &fakeMarket{conns: []*fakeConn{conn}}
	s, bus := testStream(t, md)

	var muEvents sync.Mutex
	var updates []events.MarketUpdate
	bus.Subscribe(events.KindMarketUpdate, func(e events.Event) {
		muEvents.Lock()
		updates = append(updates, e.Payload.(events.MarketUpdate))
		muEvents.Unlock()
	})
	bus.Seal()

	delivered := make(chan models.Candle, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Subscribe(ctx, "BTC-USDC", func(symbol string, c models.Candle) { delivered <- c })

	conn.msgs <- bar(1000, 100, false) // partial, not delivered
	conn.msgs <- bar(1000, 101, true)
	conn.msgs <- bar(1000, 101, true) // duplicate close, deduped
	conn.msgs <- bar(2000, 102, true)

	first := collect(delivered, t)
	require.Equal(t, int64(1000), first.OpenTime)
	second := collect(delivered, t)
	require.Equal(t, int64(2000), second.OpenTime)

	select {
	case c := <-delivered:
		t.Fatalf("unexpected extra delivery for bar %d", c.OpenTime)
	case <-time.After(50 * time.Millisecond):
	}

	muEvents.Lock()
	defer muEvents.Unlock()
	require.Len(t, updates, 2)
	require.Equal(t, 102.0, updates[1].Close)

	cancel()
	s.Wait()
}

func TestInvalidBarsAreDropped(t *testing.T) {
	conn := newFakeConn()
	md := &fakeMarket{conns: []*fakeConn{conn}}
	s, bus := testStream(t, md)
	bus.Seal()

	delivered := make(chan models.Candle, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Subscribe(ctx, "BTC-USDC", func(symbol string, c models.Candle) { delivered <- c })

	bad := bar(1000, 100, true)
	bad.Low = bad.High + 1
	conn.msgs <- bad
	conn.msgs <- bar(2000, 101, true)

	got := collect(delivered, t)
	require.Equal(t, int64(2000), got.OpenTime)
	cancel()
	s.Wait()
}

func TestReconnectBackfillsMissedCloses(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	md := &fakeMarket{conns: []*fakeConn{first, second}}
	s, bus := testStream(t, md)
	bus.Seal()

	delivered := make(chan models.Candle, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Subscribe(ctx, "BTC-USDC", func(symbol string, c models.Candle) { delivered <- c })

	first.msgs <- bar(1000, 100, true)
	require.Equal(t, int64(1000), collect(delivered, t).OpenTime)

	// bar 2000 closes while we are disconnected; it comes back via REST
	md.mu.Lock()
	md.klines = []models.Candle{bar(1000, 100, true), bar(2000, 101, true)}
	md.mu.Unlock()
	first.errs <- errors.New("connection reset")

	got := collect(delivered, t)
	require.Equal(t, int64(2000), got.OpenTime)
	require.Len(t, s.Buffer("BTC-USDC"), 2)

	cancel()
	s.Wait()
}

func TestConnectFailureMarksUnstable(t *testing.T) {
	md := &fakeMarket{} // zero scripted connections: every attach fails
	s, bus := testStream(t, md)
	bus.Seal()

	ctx, cancel := context.WithCancel(context.Background())
	s.Subscribe(ctx, "BTC-USDC", nil)

	require.Eventually(t, func() bool { return s.IsUnstable("BTC-USDC") }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}
