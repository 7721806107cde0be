package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
	"papertrader/internal/domain/repository"
	"papertrader/internal/events"
	"papertrader/internal/execution"
	"papertrader/internal/history"
	"papertrader/internal/risk"
	"papertrader/internal/strategy"
	"papertrader/internal/stream"
	"papertrader/pkg/logger"
)

type stubMarket struct {
	candles []models.Candle
}

func (m *stubMarket) Klines(_ context.Context, _, _ string, limit int) ([]models.Candle, error) {
	if len(m.candles) > limit {
		return m.candles[len(m.candles)-limit:], nil
	}
	return m.candles, nil
}

func (m *stubMarket) StreamKlines(context.Context, string, string) (<-chan models.Candle, <-chan error, error) {
	return nil, nil, errors.New("not streaming")
}

func bars(n int, f func(i int) float64) []models.Candle {
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

type testEngine struct {
	*Engine
	store *history.FileStore
	bus   *events.Bus
	now   time.Time
}

func newTestEngine(t *testing.T, candles []models.Candle, cfg Config) *testEngine {
	t.Helper()
	log := logger.Nop()
	bus := events.NewBus()

	store, err := history.NewFileStore(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	md := &stubMarket{candles: candles}
	st := stream.New(stream.Config{Interval: "1h"}, md, bus, repository.NopMetrics{}, log)

	cfg.Symbols = []string{"BTC-USDC"}
	state := strategy.NewState(models.DefaultStrategyParameters())
	e := New(cfg, st, store,
		execution.NewLedger(),
		execution.NewSimulator(0.001),
		risk.NewManager(risk.Limits{MaxPositionSizePct: 0.25, MaxExposurePct: 0.7}, log),
		risk.NewBreaker(risk.DefaultThresholds()),
		state,
		strategy.NewRefiner(state, nil, log),
		bus, repository.NopMetrics{}, log,
	)

	now := time.UnixMilli(candles[len(candles)-1].CloseTime).UTC().Add(time.Minute)
	e.now = func() time.Time { return now }

	require.NoError(t, st.Bootstrap(context.Background(), "BTC-USDC"))
	return &testEngine{Engine: e, store: store, bus: bus, now: now}
}

func TestEvaluationIsDedupedPerBar(t *testing.T) {
	te := newTestEngine(t, bars(80, func(i int) float64 { return 60000 }), Config{
		AutoPaper:           true,
		ConfidenceThreshold: 0.05,
	})
	te.bus.Seal()
	ctx := context.Background()

	te.evaluate(ctx, "BTC-USDC", te.now)
	te.evaluate(ctx, "BTC-USDC", te.now)

	status := te.Status()
	require.Equal(t, int64(1), status.Evaluations, "same bar evaluates once")

	decisions, err := te.store.RecentDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, models.ActionHold, decisions[0].Signal)
}

func TestStaleDataSkipsEvaluation(t *testing.T) {
	te := newTestEngine(t, bars(80, func(i int) float64 { return 60000 }), Config{
		AutoPaper: true,
		StaleData: 90 * time.Second,
	})
	te.bus.Seal()
	ctx := context.Background()

	te.Engine.now = func() time.Time { return te.now.Add(time.Hour) }
	te.evaluate(ctx, "BTC-USDC", te.now.Add(time.Hour))

	require.Zero(t, te.Status().Evaluations)
	decisions, err := te.store.RecentDecisions(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, decisions)
}

func TestSellSignalClosesPosition(t *testing.T) {
	downtrend := bars(80, func(i int) float64 { return 60000 - 120*float64(i) })
	te := newTestEngine(t, downtrend, Config{
		AutoPaper:           true,
		ConfidenceThreshold: 0.05,
		InitialBalance:      1000,
	})
	var executed []models.Trade
	te.bus.Subscribe(events.KindTradeExecuted, func(e events.Event) {
		executed = append(executed, e.Payload.(models.Trade))
	})
	te.bus.Seal()
	ctx := context.Background()

	te.ledger.Add(models.Lot{
		ID:                 "seed",
		Symbol:             "BTC-USDC",
		EntryPrice:         52000,
		Amount:             0.01,
		Timestamp:          te.now.Add(-2 * time.Hour),
		InitialRiskPerUnit: 800,
		EntryFeePerUnit:    52,
	})

	te.evaluate(ctx, "BTC-USDC", te.now)

	status := te.Status()
	require.Equal(t, int64(1), status.Evaluations)
	require.Equal(t, int64(1), status.Signals)
	require.Equal(t, int64(1), status.TradesExecuted)
	require.Zero(t, te.ledger.Holdings("BTC-USDC"))

	require.Len(t, executed, 1)
	require.Equal(t, models.SideSell, executed[0].Side)
	require.Equal(t, models.ExitSignal, executed[0].ExitReason)
	require.NotNil(t, executed[0].PnL)
	require.Negative(t, *executed[0].PnL, "exit below entry realizes a loss")

	require.Greater(t, te.Balance(), 1000.0, "sale proceeds land in the balance")
}

func TestLowConfidenceSignalIsSkipped(t *testing.T) {
	downtrend := bars(80, func(i int) float64 { return 60000 - 120*float64(i) })
	te := newTestEngine(t, downtrend, Config{
		AutoPaper:           true,
		ConfidenceThreshold: 0.95,
	})
	te.bus.Seal()
	ctx := context.Background()

	te.ledger.Add(models.Lot{ID: "seed", Symbol: "BTC-USDC", EntryPrice: 52000, Amount: 0.01})
	te.evaluate(ctx, "BTC-USDC", te.now)

	status := te.Status()
	require.Equal(t, int64(1), status.Signals)
	require.Zero(t, status.TradesExecuted)
	require.InDelta(t, 0.01, te.ledger.Holdings("BTC-USDC"), 1e-12, "position untouched")

	_, err := te.store.OrderByIdempotencyKey(ctx, history.IdempotencyKey(
		"BTC-USDC", "1h", time.UnixMilli(downtrend[len(downtrend)-1].CloseTime).UTC(), models.SideSell))
	require.ErrorIs(t, err, history.ErrNotFound, "skipped orders never claim the key")
}

func TestAutoPaperOffJournalsButNeverTrades(t *testing.T) {
	downtrend := bars(80, func(i int) float64 { return 60000 - 120*float64(i) })
	te := newTestEngine(t, downtrend, Config{
		AutoPaper:           false,
		ConfidenceThreshold: 0.05,
	})
	te.bus.Seal()
	ctx := context.Background()

	te.ledger.Add(models.Lot{ID: "seed", Symbol: "BTC-USDC", EntryPrice: 52000, Amount: 0.01})
	te.evaluate(ctx, "BTC-USDC", te.now)

	require.Zero(t, te.Status().TradesExecuted)
	decisions, err := te.store.RecentDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1, "decision journaled even without execution")
	trades, err := te.store.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, trades)
}

func TestForceTradeIdempotentOnRequestID(t *testing.T) {
	te := newTestEngine(t, bars(80, func(i int) float64 { return 60000 }), Config{
		InitialBalance: 5000,
	})
	te.bus.Seal()
	ctx := context.Background()

	req := ForceTradeRequest{
		Symbol:      "BTC-USDC",
		Side:        models.SideBuy,
		NotionalUSD: 500,
		StopLossPct: 0.02,
		RequestID:   "req-1",
	}

	first, err := te.forceTrade(ctx, req, te.now)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.NotEmpty(t, first.TradeID)

	second, err := te.forceTrade(ctx, req, te.now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.DecisionID, second.DecisionID)
	require.Equal(t, first.OrderID, second.OrderID)

	trades, err := te.store.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1, "replay produced no second fill")
	require.InDelta(t, 500.0/60000, te.ledger.Holdings("BTC-USDC"), 1e-3)
}

// faultyStore scripts journal failures per append kind; everything else
// delegates to the wrapped store.
type faultyStore struct {
	history.Store
	setErr   error
	tradeErr error
}

func (f *faultyStore) AppendRecordSet(ctx context.Context, set history.RecordSet) error {
	if f.setErr != nil {
		return f.setErr
	}
	return f.Store.AppendRecordSet(ctx, set)
}

func (f *faultyStore) AppendTrade(ctx context.Context, tr models.Trade) error {
	if f.tradeErr != nil {
		return f.tradeErr
	}
	return f.Store.AppendTrade(ctx, tr)
}

func TestForceTradeReplayRecordsSkippedOrder(t *testing.T) {
	te := newTestEngine(t, bars(80, func(i int) float64 { return 60000 }), Config{
		InitialBalance: 5000,
	})
	te.bus.Seal()
	ctx := context.Background()

	req := ForceTradeRequest{
		Symbol:      "BTC-USDC",
		Side:        models.SideBuy,
		NotionalUSD: 500,
		StopLossPct: 0.02,
		RequestID:   "req-9",
	}

	first, err := te.forceTrade(ctx, req, te.now)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := te.forceTrade(ctx, req, te.now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, second.Duplicate)

	// the replay leaves its own audit trail: a SKIPPED order carrying
	// the original key, and no second fill
	orders, err := te.store.RecentOrders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, models.OrderSkipped, orders[0].Status)
	require.Equal(t, "idempotency key already executed", orders[0].Reason)
	require.Equal(t, orders[1].IdempotencyKey, orders[0].IdempotencyKey)
	require.Equal(t, models.OrderAccepted, orders[1].Status)

	trades, err := te.store.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestForceTradeWithoutRequestIDReplaysOnce(t *testing.T) {
	te := newTestEngine(t, bars(80, func(i int) float64 { return 60000 }), Config{
		InitialBalance: 5000,
	})
	te.bus.Seal()
	ctx := context.Background()

	req := ForceTradeRequest{
		Symbol:      "BTC-USDC",
		Side:        models.SideBuy,
		NotionalUSD: 500,
	}

	first, err := te.forceTrade(ctx, req, te.now)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	// an identical retry seconds later keys onto the same bar and content
	second, err := te.forceTrade(ctx, req, te.now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.DecisionID, second.DecisionID)
	require.Equal(t, first.OrderID, second.OrderID)

	trades, err := te.store.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1, "retry produced no second fill")
	require.InDelta(t, 500.0/60000, te.ledger.Holdings("BTC-USDC"), 1e-3)
}

func TestSellKeepsLedgerWhenJournalFails(t *testing.T) {
	downtrend := bars(80, func(i int) float64 { return 60000 - 120*float64(i) })
	te := newTestEngine(t, downtrend, Config{
		AutoPaper:           true,
		ConfidenceThreshold: 0.05,
		InitialBalance:      1000,
	})
	te.bus.Seal()
	ctx := context.Background()

	te.ledger.Add(models.Lot{
		ID:                 "seed",
		Symbol:             "BTC-USDC",
		EntryPrice:         52000,
		Amount:             0.01,
		InitialRiskPerUnit: 800,
		EntryFeePerUnit:    52,
	})
	te.Engine.store = &faultyStore{Store: te.store, setErr: errors.New("disk full")}

	te.evaluate(ctx, "BTC-USDC", te.now)

	// the journal rejected the exit, so nothing may have moved
	require.InDelta(t, 0.01, te.ledger.Holdings("BTC-USDC"), 1e-12)
	require.Equal(t, 1000.0, te.Balance())
	require.Zero(t, te.Status().TradesExecuted)
}

func TestForceSellKeepsLedgerWhenJournalFails(t *testing.T) {
	te := newTestEngine(t, bars(80, func(i int) float64 { return 60000 }), Config{
		InitialBalance: 5000,
	})
	te.bus.Seal()

	te.ledger.Add(models.Lot{
		ID:         "seed",
		Symbol:     "BTC-USDC",
		EntryPrice: 59000,
		Amount:     0.01,
	})
	te.Engine.store = &faultyStore{Store: te.store, setErr: errors.New("disk full")}

	_, err := te.forceTrade(context.Background(), ForceTradeRequest{
		Symbol: "BTC-USDC",
		Side:   models.SideSell,
	}, te.now)
	require.Error(t, err)

	require.InDelta(t, 0.01, te.ledger.Holdings("BTC-USDC"), 1e-12)
	require.Equal(t, 5000.0, te.Balance())
	require.Zero(t, te.Status().TradesExecuted)
}

func TestProtectiveExitRetriesAfterJournalFailure(t *testing.T) {
	flat := bars(80, func(i int) float64 { return 60000 })
	te := newTestEngine(t, flat, Config{
		AutoPaper:           true,
		ConfidenceThreshold: 0.05,
	})
	te.bus.Seal()
	ctx := context.Background()

	te.ledger.Add(models.Lot{
		ID:                 "protected",
		Symbol:             "BTC-USDC",
		EntryPrice:         61000,
		Amount:             0.01,
		StopLoss:           60500,
		InitialRiskPerUnit: 500,
		EntryFeePerUnit:    61,
	})
	faulty := &faultyStore{Store: te.store, tradeErr: errors.New("disk full")}
	te.Engine.store = faulty

	te.evaluate(ctx, "BTC-USDC", te.now)
	require.InDelta(t, 0.01, te.ledger.Holdings("BTC-USDC"), 1e-12, "lot stays open on a failed append")

	// the crossed stop trips again on the next pass once the journal heals
	faulty.tradeErr = nil
	te.evaluate(ctx, "BTC-USDC", te.now)
	require.Zero(t, te.ledger.Holdings("BTC-USDC"))
}

func TestForceSellClosesForcedBuy(t *testing.T) {
	te := newTestEngine(t, bars(80, func(i int) float64 { return 60000 }), Config{
		InitialBalance: 5000,
	})
	te.bus.Seal()
	ctx := context.Background()

	_, err := te.forceTrade(ctx, ForceTradeRequest{
		Symbol:      "BTC-USDC",
		Side:        models.SideBuy,
		NotionalUSD: 1200,
		RequestID:   "buy-1",
	}, te.now)
	require.NoError(t, err)

	res, err := te.forceTrade(ctx, ForceTradeRequest{
		Symbol:    "BTC-USDC",
		Side:      models.SideSell,
		RequestID: "sell-1",
	}, te.now.Add(time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, res.TradeID)

	require.Zero(t, te.ledger.Holdings("BTC-USDC"))
	require.InDelta(t, 5000, te.Balance(), 10, "round trip costs only spread and fees")

	trades, err := te.store.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, models.ExitForced, trades[0].ExitReason)
}

func TestForceSellWithoutHoldingsFails(t *testing.T) {
	te := newTestEngine(t, bars(80, func(i int) float64 { return 60000 }), Config{})
	te.bus.Seal()

	_, err := te.forceTrade(context.Background(), ForceTradeRequest{
		Symbol: "BTC-USDC",
		Side:   models.SideSell,
	}, te.now)
	require.ErrorIs(t, err, execution.ErrInsufficientHoldings)
}

func TestProtectiveStopFiresOnTick(t *testing.T) {
	flat := bars(80, func(i int) float64 { return 60000 })
	te := newTestEngine(t, flat, Config{
		AutoPaper:           true,
		ConfidenceThreshold: 0.05,
	})
	var executed []models.Trade
	te.bus.Subscribe(events.KindTradeExecuted, func(e events.Event) {
		executed = append(executed, e.Payload.(models.Trade))
	})
	te.bus.Seal()
	ctx := context.Background()

	// stop sits above the flat market close, so the next pass trips it
	te.ledger.Add(models.Lot{
		ID:                 "protected",
		Symbol:             "BTC-USDC",
		EntryPrice:         61000,
		Amount:             0.01,
		StopLoss:           60500,
		TakeProfit:         63000,
		InitialRiskPerUnit: 500,
		EntryFeePerUnit:    61,
	})

	te.evaluate(ctx, "BTC-USDC", te.now)

	require.Zero(t, te.ledger.Holdings("BTC-USDC"))
	require.Len(t, executed, 1)
	require.Equal(t, models.ExitStopLoss, executed[0].ExitReason)
	require.InDelta(t, 60500, executed[0].Simulation.ReferencePrice, 1e-9)

	// evaluation on the same bar: tick path still scans but has nothing left
	te.evaluate(ctx, "BTC-USDC", te.now)
	require.Len(t, executed, 1)
}

func TestBreakerTripsOnceAndAnnounces(t *testing.T) {
	te := newTestEngine(t, bars(80, func(i int) float64 { return 60000 }), Config{})
	var tripped []events.BreakerTripped
	te.bus.Subscribe(events.KindBreakerTripped, func(e events.Event) {
		tripped = append(tripped, e.Payload.(events.BreakerTripped))
	})
	te.bus.Seal()

	require.True(t, te.observeBreaker("BTC-USDC", 0.2, te.now), "volatility breach latches")
	require.True(t, te.observeBreaker("BTC-USDC", 0.0, te.now.Add(time.Minute)), "latch holds on healthy input")
	require.Len(t, tripped, 1, "announced exactly once")

	te.ResetBreaker()
	ok, _ := te.breaker.Tripped()
	require.False(t, ok)
}

func TestRefinementWithThinJournalKeepsVersion(t *testing.T) {
	te := newTestEngine(t, bars(80, func(i int) float64 { return 60000 }), Config{})
	te.bus.Seal()
	ctx := context.Background()

	te.runRefinement(ctx, te.now, false)

	_, version := te.state.Snapshot()
	require.Equal(t, int64(1), version)
	_, err := te.store.LoadStrategyState(ctx)
	require.ErrorIs(t, err, history.ErrNotFound, "nothing committed, nothing persisted")
}
