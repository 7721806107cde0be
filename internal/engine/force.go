package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"papertrader/internal/domain/models"
	"papertrader/internal/events"
	"papertrader/internal/execution"
	"papertrader/internal/history"
	"papertrader/internal/indicator"
	"papertrader/pkg/logger"
)

var (
	ErrUnknownSymbol = errors.New("symbol not traded by this engine")
	ErrNoMarketData  = errors.New("no market data for symbol")
)

// ForceTradeRequest is an operator-initiated paper trade. It bypasses the
// strategy and confidence gates but not balance or holdings checks. A
// non-empty RequestID makes the request idempotent: replays return the
// original record ids without a second fill. Without a RequestID the
// request content keyed to the latest closed bar serves the same role, so
// a blind retry of an identical POST cannot fill twice within a bar.
type ForceTradeRequest struct {
	Symbol        string
	Side          models.Side
	Qty           float64
	NotionalUSD   float64
	StopLossPct   float64
	TakeProfitPct float64
	StopLossAt    float64
	TakeProfitAt  float64
	RequestID     string
}

// ForceTradeResult carries the journal ids of the executed (or replayed)
// trade.
type ForceTradeResult struct {
	DecisionID string `json:"decisionId"`
	OrderID    string `json:"orderId"`
	TradeID    string `json:"tradeId"`
	Duplicate  bool   `json:"duplicate"`
}

// ForceTrade routes the request through the symbol's actor so it
// serializes with stream-driven evaluations.
func (e *Engine) ForceTrade(ctx context.Context, req ForceTradeRequest) (ForceTradeResult, error) {
	a := e.actors[req.Symbol]
	if a == nil {
		return ForceTradeResult{}, ErrUnknownSymbol
	}
	var (
		res ForceTradeResult
		err error
	)
	if waitErr := a.doWait(ctx, func() {
		res, err = e.forceTrade(ctx, req, e.now())
	}); waitErr != nil {
		return ForceTradeResult{}, waitErr
	}
	return res, err
}

func (e *Engine) forceTrade(ctx context.Context, req ForceTradeRequest, now time.Time) (ForceTradeResult, error) {
	symbol := req.Symbol
	bars := e.stream.ClosedBars(symbol)
	if len(bars) == 0 {
		return ForceTradeResult{}, ErrNoMarketData
	}
	latest := bars[len(bars)-1]
	price := latest.Close
	if price <= 0 {
		return ForceTradeResult{}, ErrNoMarketData
	}

	qty := req.Qty
	if qty <= 0 && req.NotionalUSD > 0 {
		qty = req.NotionalUSD / price
	}
	qty = execution.RoundSize(qty)
	if qty <= 0 && req.Side == models.SideBuy {
		return ForceTradeResult{}, fmt.Errorf("force trade needs qty or notionalUsd")
	}

	// replays of one request must land on one key: the operator-supplied
	// id when present, otherwise the request content pinned to the bar
	key := fmt.Sprintf("%s|forced|%s|%s", symbol, req.RequestID, req.Side)
	if req.RequestID == "" {
		key = fmt.Sprintf("%s|forced|%d|%s|%.8f|%.8f", symbol, latest.CloseTime, req.Side, req.Qty, req.NotionalUSD)
	}

	_, version := e.state.Snapshot()
	decision := models.Decision{
		ID:           history.NewID("dec", symbol, now, "forced|"+req.RequestID),
		Timestamp:    now,
		Symbol:       symbol,
		Timeframe:    "forced",
		InputsHash:   history.InputsHash(symbol, "forced", now, price, version),
		Signal:       models.Action(req.Side),
		Confidence:   1,
		Regime:       models.RegimeRanging,
		Reasons:      []string{"forced trade"},
		ModelVersion: version,
	}

	e.status.Evaluation()
	e.status.Signal()
	e.metrics.RecordEvaluation(symbol)
	e.metrics.RecordSignal(symbol, string(decision.Signal))

	// a replay journals its own decision plus a SKIPPED order; the
	// original fill keeps the key
	if existing, err := e.store.OrderByIdempotencyKey(ctx, key); err == nil {
		e.skipOrder(ctx, decision, req.Side, key, price, now, "idempotency key already executed")
		return ForceTradeResult{
			DecisionID: existing.DecisionID,
			OrderID:    existing.OrderID,
			Duplicate:  true,
		}, nil
	} else if !errors.Is(err, history.ErrNotFound) {
		return ForceTradeResult{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	atrPct := 0.0
	if cur, _, _, ok := indicator.Replay(bars); ok {
		atrPct = cur.ATRPct(price)
	}

	if req.Side == models.SideSell {
		return e.forcedSell(ctx, decision, key, qty, price, atrPct, now)
	}
	return e.forcedBuy(ctx, decision, req, key, qty, price, atrPct, now)
}

func (e *Engine) forcedBuy(
	ctx context.Context,
	decision models.Decision,
	req ForceTradeRequest,
	key string,
	qty, price, atrPct float64,
	now time.Time,
) (ForceTradeResult, error) {
	symbol := decision.Symbol
	sim := e.sim.Fill(symbol, models.SideBuy, price, atrPct, qty, now)
	if cost := sim.FillPrice*qty + sim.Fees; cost > e.portfolio.Balance() {
		return ForceTradeResult{}, fmt.Errorf("balance %.2f cannot cover cost %.2f", e.portfolio.Balance(), cost)
	}

	stop := req.StopLossAt
	if stop <= 0 && req.StopLossPct > 0 {
		stop = sim.FillPrice * (1 - req.StopLossPct)
	}
	target := req.TakeProfitAt
	if target <= 0 && req.TakeProfitPct > 0 {
		target = sim.FillPrice * (1 + req.TakeProfitPct)
	}
	riskPerUnit := 0.0
	if stop > 0 {
		riskPerUnit = sim.FillPrice - stop
	}

	order := &models.Order{
		OrderID:        history.NewID("ord", symbol, now, "forced|BUY|"+req.RequestID),
		DecisionID:     decision.ID,
		IdempotencyKey: key,
		Symbol:         symbol,
		Side:           models.SideBuy,
		Qty:            qty,
		RequestedPrice: price,
		Status:         models.OrderAccepted,
		Timestamp:      now,
	}
	fill := &models.Fill{
		FillID:    history.NewID("fil", symbol, now, "forced|BUY|"+req.RequestID),
		OrderID:   order.OrderID,
		Symbol:    symbol,
		AvgPrice:  sim.FillPrice,
		Qty:       qty,
		Fees:      sim.Fees,
		Status:    models.OrderFilled,
		Timestamp: now,
	}
	trade := &models.Trade{
		ID:         history.NewID("trd", symbol, now, "forced|BUY|"+req.RequestID),
		Symbol:     symbol,
		Side:       models.SideBuy,
		Price:      sim.FillPrice,
		Amount:     qty,
		Timestamp:  now,
		Fee:        sim.Fees,
		Simulation: sim,
		DecisionID: decision.ID,
		ATRPct:     atrPct,
	}
	lot := models.Lot{
		ID:                 history.NewID("lot", symbol, now, "forced|"+req.RequestID),
		Symbol:             symbol,
		EntryPrice:         sim.FillPrice,
		Amount:             qty,
		StopLoss:           execution.RoundPrice(stop),
		TakeProfit:         execution.RoundPrice(target),
		Timestamp:          now,
		InitialRiskPerUnit: riskPerUnit,
		EntryFeePerUnit:    sim.Fees / qty,
		StrategyVersion:    decision.ModelVersion,
	}

	set := history.RecordSet{Decision: decision, Order: order, Fill: fill, Trade: trade}
	set.Snapshot = e.pendingSnapshot(symbol, qty, sim.FillPrice, now)
	if err := e.store.AppendRecordSet(ctx, set); err != nil {
		if errors.Is(err, history.ErrDuplicateKey) {
			return ForceTradeResult{DecisionID: decision.ID, OrderID: order.OrderID, Duplicate: true}, nil
		}
		return ForceTradeResult{}, fmt.Errorf("journal force trade: %w", err)
	}

	e.ledger.Add(lot)
	e.portfolio.RecordBuy(sim.FillPrice*qty+sim.Fees, now)
	e.status.Trade()
	e.metrics.RecordTrade(symbol, "BUY")
	e.bus.Publish(events.Event{Kind: events.KindTradeExecuted, Symbol: symbol, Payload: *trade})
	e.log.Info("forced buy filled",
		logger.String("symbol", symbol),
		logger.Float64("price", sim.FillPrice),
		logger.Float64("qty", qty),
	)
	return ForceTradeResult{DecisionID: decision.ID, OrderID: order.OrderID, TradeID: trade.ID}, nil
}

func (e *Engine) forcedSell(
	ctx context.Context,
	decision models.Decision,
	key string,
	qty, price, atrPct float64,
	now time.Time,
) (ForceTradeResult, error) {
	symbol := decision.Symbol
	holdings := e.ledger.Holdings(symbol)
	if holdings <= 0 {
		return ForceTradeResult{}, fmt.Errorf("force sell %s: %w", symbol, execution.ErrInsufficientHoldings)
	}
	// zero qty means "close everything"
	if qty <= 0 || qty > holdings {
		qty = holdings
	}
	consumed, err := e.ledger.PreviewConsume(symbol, qty, "")
	if err != nil {
		return ForceTradeResult{}, fmt.Errorf("force sell %s: %w", symbol, err)
	}

	sim := e.sim.Fill(symbol, models.SideSell, price, atrPct, consumed.Qty, now)
	pnl, rMultiple := execution.ClosePnL(consumed, sim)

	order := &models.Order{
		OrderID:        history.NewID("ord", symbol, now, "forced|SELL"),
		DecisionID:     decision.ID,
		IdempotencyKey: key,
		Symbol:         symbol,
		Side:           models.SideSell,
		Qty:            consumed.Qty,
		RequestedPrice: price,
		Status:         models.OrderAccepted,
		Timestamp:      now,
	}
	fill := &models.Fill{
		FillID:    history.NewID("fil", symbol, now, "forced|SELL"),
		OrderID:   order.OrderID,
		Symbol:    symbol,
		AvgPrice:  sim.FillPrice,
		Qty:       consumed.Qty,
		Fees:      sim.Fees,
		Status:    models.OrderFilled,
		Timestamp: now,
	}
	trade := &models.Trade{
		ID:         history.NewID("trd", symbol, now, "forced|SELL"),
		Symbol:     symbol,
		Side:       models.SideSell,
		Price:      sim.FillPrice,
		Amount:     consumed.Qty,
		Timestamp:  now,
		Fee:        sim.Fees,
		PnL:        &pnl,
		RMultiple:  &rMultiple,
		ExitReason: models.ExitForced,
		Simulation: sim,
		DecisionID: decision.ID,
		ATRPct:     atrPct,
	}

	// journal first: the ledger commits only after the journal accepted
	// the exit
	set := history.RecordSet{Decision: decision, Order: order, Fill: fill, Trade: trade}
	set.Snapshot = e.pendingSnapshot(symbol, -consumed.Qty, consumed.EntryPrice, now)
	if err := e.store.AppendRecordSet(ctx, set); err != nil {
		if errors.Is(err, history.ErrDuplicateKey) {
			return ForceTradeResult{DecisionID: decision.ID, OrderID: order.OrderID, Duplicate: true}, nil
		}
		return ForceTradeResult{}, fmt.Errorf("journal force trade: %w", err)
	}

	if _, err := e.ledger.Consume(symbol, consumed.Qty, ""); err != nil {
		e.metrics.RecordError("ledger_commit")
		return ForceTradeResult{}, fmt.Errorf("ledger commit after journal: %w", err)
	}
	e.portfolio.RecordSell(sim.FillPrice*consumed.Qty-sim.Fees, pnl, rMultiple, now)
	e.status.Trade()
	e.metrics.RecordTrade(symbol, "SELL")
	e.bus.Publish(events.Event{Kind: events.KindTradeExecuted, Symbol: symbol, Payload: *trade})
	e.log.Info("forced sell filled",
		logger.String("symbol", symbol),
		logger.Float64("price", sim.FillPrice),
		logger.Float64("qty", consumed.Qty),
		logger.Float64("pnl", pnl),
	)
	return ForceTradeResult{DecisionID: decision.ID, OrderID: order.OrderID, TradeID: trade.ID}, nil
}
