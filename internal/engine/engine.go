package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"papertrader/internal/domain/models"
	"papertrader/internal/domain/repository"
	"papertrader/internal/events"
	"papertrader/internal/execution"
	"papertrader/internal/history"
	"papertrader/internal/indicator"
	"papertrader/internal/risk"
	"papertrader/internal/strategy"
	"papertrader/internal/stream"
	"papertrader/pkg/logger"
)

// Config tunes the engine loops. Zero values take the defaults.
type Config struct {
	Symbols             []string
	Timeframe           string
	InitialBalance      float64
	StaleData           time.Duration
	TickEvery           time.Duration
	RefineEvery         time.Duration
	RefineCheckEvery    time.Duration
	ShutdownGrace       time.Duration
	MailboxSize         int
	AutoPaper           bool
	ConfidenceThreshold float64
}

func (c Config) withDefaults() Config {
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"BTC-USDC"}
	}
	if c.Timeframe == "" {
		c.Timeframe = "1h"
	}
	if c.InitialBalance <= 0 {
		c.InitialBalance = 1000
	}
	if c.StaleData <= 0 {
		c.StaleData = 15 * time.Minute
	}
	if c.TickEvery <= 0 {
		c.TickEvery = time.Minute
	}
	if c.RefineEvery <= 0 {
		c.RefineEvery = 24 * time.Hour
	}
	if c.RefineCheckEvery <= 0 {
		c.RefineCheckEvery = time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 16
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.6
	}
	return c
}

// Engine drives the evaluation pipeline: closed bars and periodic ticks
// flow through per-symbol actors into decide -> gate -> simulate -> ledger
// -> journal. All symbol state mutation happens on the symbol's actor.
type Engine struct {
	cfg     Config
	stream  *stream.Stream
	store   history.Store
	ledger  *execution.Ledger
	sim     *execution.Simulator
	risk    *risk.Manager
	breaker *risk.Breaker
	state   *strategy.State
	refiner *strategy.Refiner
	bus     *events.Bus
	metrics repository.Metrics
	log     *logger.Logger

	status    *StatusTracker
	portfolio *Portfolio
	actors    map[string]*actor

	mu               sync.Mutex
	lastBar          map[string]int64
	breakerAnnounced bool

	now func() time.Time
}

func New(
	cfg Config,
	st *stream.Stream,
	store history.Store,
	ledger *execution.Ledger,
	sim *execution.Simulator,
	rm *risk.Manager,
	breaker *risk.Breaker,
	state *strategy.State,
	refiner *strategy.Refiner,
	bus *events.Bus,
	m repository.Metrics,
	log *logger.Logger,
) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:       cfg,
		stream:    st,
		store:     store,
		ledger:    ledger,
		sim:       sim,
		risk:      rm,
		breaker:   breaker,
		state:     state,
		refiner:   refiner,
		bus:       bus,
		metrics:   m,
		log:       log,
		status:    NewStatusTracker(cfg.AutoPaper, cfg.ConfidenceThreshold),
		portfolio: NewPortfolio(cfg.InitialBalance),
		actors:    make(map[string]*actor, len(cfg.Symbols)),
		lastBar:   make(map[string]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, sym := range cfg.Symbols {
		e.actors[sym] = newActor(cfg.MailboxSize)
	}
	return e
}

// Status returns the API snapshot.
func (e *Engine) Status() models.EngineStatus {
	return e.status.Snapshot(e.ledger.OpenLotCount())
}

func (e *Engine) SetAutoPaper(v bool) { e.status.SetAutoPaper(v) }

func (e *Engine) SetConfidenceThreshold(v float64) { e.status.SetConfidenceThreshold(v) }

// Balance returns the cash balance of the paper account.
func (e *Engine) Balance() float64 { return e.portfolio.Balance() }

// Equity is cash plus every open position marked at its latest close.
func (e *Engine) Equity() float64 {
	total := e.portfolio.Balance()
	for _, sym := range e.ledger.OpenSymbols() {
		total += e.ledger.Exposure(sym, e.markPrice(sym))
	}
	return total
}

func (e *Engine) markPrice(symbol string) float64 {
	bars := e.stream.ClosedBars(symbol)
	if len(bars) == 0 {
		return 0
	}
	return bars[len(bars)-1].Close
}

// evaluate runs one full pipeline pass for a symbol. It must only be
// called from the symbol's actor.
func (e *Engine) evaluate(ctx context.Context, symbol string, now time.Time) {
	e.status.Heartbeat(now)

	bars := e.stream.ClosedBars(symbol)
	if len(bars) == 0 {
		return
	}
	latest := bars[len(bars)-1]

	e.mu.Lock()
	seen := e.lastBar[symbol] == latest.OpenTime
	e.mu.Unlock()
	if seen {
		// ticks between closes still watch protective levels
		e.exitScan(ctx, symbol, bars, now)
		return
	}

	if now.UnixMilli()-latest.CloseTime > e.cfg.StaleData.Milliseconds() {
		e.metrics.RecordError("stale_data")
		e.log.Warn("stale market data, skipping evaluation",
			logger.String("symbol", symbol),
			logger.Int64("bar_close_ms", latest.CloseTime),
		)
		return
	}

	e.mu.Lock()
	e.lastBar[symbol] = latest.OpenTime
	e.mu.Unlock()

	e.status.Evaluation()
	e.metrics.RecordEvaluation(symbol)
	started := e.now()

	e.exitScan(ctx, symbol, bars, now)

	params, version := e.state.Snapshot()
	sig := strategy.Decide(strategy.DecideInput{
		Candles:     bars,
		Params:      params,
		Holdings:    e.ledger.Holdings(symbol),
		LastTradeAt: e.portfolio.LastTradeAt(),
		Now:         now,
		Version:     version,
	})

	cur, _, _, indicatorsReady := indicator.Replay(bars)
	atrPct := 0.0
	if indicatorsReady {
		atrPct = cur.ATRPct(latest.Close)
		e.bus.Publish(events.Event{
			Kind:   events.KindIndicatorUpdate,
			Symbol: symbol,
			Payload: events.IndicatorUpdate{
				Symbol:   symbol,
				BarTs:    latest.OpenTime,
				Snapshot: cur,
			},
		})
	}

	// decision identity is a pure function of the bar, so a replayed
	// evaluation produces the same journal ids and idempotency key
	decisionTs := time.UnixMilli(latest.CloseTime).UTC()
	decision := models.Decision{
		ID:           history.NewID("dec", symbol, decisionTs, string(sig.Action)),
		Timestamp:    decisionTs,
		Symbol:       symbol,
		Timeframe:    e.cfg.Timeframe,
		InputsHash:   history.InputsHash(symbol, e.cfg.Timeframe, decisionTs, latest.Close, version),
		Signal:       sig.Action,
		Confidence:   sig.Confidence,
		Regime:       sig.Regime,
		Reasons:      sig.Reasons,
		ModelVersion: version,
	}

	tripped := e.observeBreaker(symbol, atrPct, now)

	if sig.Action == models.ActionHold {
		e.journal(ctx, history.RecordSet{Decision: decision})
		e.metrics.RecordLatency("evaluate", e.now().Sub(started).Seconds())
		return
	}

	e.status.Signal()
	e.metrics.RecordSignal(symbol, string(sig.Action))

	side := models.SideBuy
	if sig.Action == models.ActionSell {
		side = models.SideSell
	}
	key := history.IdempotencyKey(symbol, e.cfg.Timeframe, decisionTs, side)

	switch {
	case sig.Confidence < e.status.ConfidenceThreshold():
		e.skipOrder(ctx, decision, side, key, latest.Close, now, "confidence below threshold")
	case !e.status.AutoPaper():
		e.skipOrder(ctx, decision, side, key, latest.Close, now, "auto paper disabled")
	case tripped && side == models.SideBuy:
		e.skipOrder(ctx, decision, side, key, latest.Close, now, "circuit breaker open")
	case e.keyUsed(ctx, key):
		e.skipOrder(ctx, decision, side, key, latest.Close, now, "idempotency key already executed")
	case side == models.SideBuy:
		e.executeBuy(ctx, decision, sig, params, key, latest, cur, atrPct, decisionTs, now)
	default:
		e.executeSell(ctx, decision, sig, key, latest, atrPct, decisionTs, now)
	}
	e.metrics.RecordLatency("evaluate", e.now().Sub(started).Seconds())
}

// keyUsed reports whether a non-SKIPPED order already holds the key.
func (e *Engine) keyUsed(ctx context.Context, key string) bool {
	_, err := e.store.OrderByIdempotencyKey(ctx, key)
	if err == nil {
		return true
	}
	if !errors.Is(err, history.ErrNotFound) {
		e.metrics.RecordError("idempotency_lookup")
		e.log.Warn("idempotency lookup failed", logger.Error(err))
		// treat the key as used rather than risk a double execution
		return true
	}
	return false
}

func (e *Engine) observeBreaker(symbol string, atrPct float64, now time.Time) bool {
	dd := 0.0
	if pnl := e.portfolio.DailyPnL(now); pnl < 0 {
		if eq := e.Equity(); eq > 0 {
			dd = -pnl / eq
		}
	}
	tripped := e.breaker.Observe(risk.Inputs{
		DailyDrawdownPct:       dd,
		ConsecutiveLargeLosses: e.portfolio.LargeLossRun(),
		VolatilityPct:          atrPct,
		StreamUnstable:         e.stream.IsUnstable(symbol),
	}, now)
	if !tripped {
		return false
	}
	e.mu.Lock()
	announce := !e.breakerAnnounced
	e.breakerAnnounced = true
	e.mu.Unlock()
	if announce {
		_, reasons := e.breaker.Tripped()
		e.metrics.RecordError("breaker_tripped")
		e.log.Warn("circuit breaker tripped", logger.Strings("reasons", reasons))
		e.bus.Publish(events.Event{
			Kind:    events.KindBreakerTripped,
			Symbol:  symbol,
			Payload: events.BreakerTripped{Reasons: reasons, At: e.breaker.TrippedAt()},
		})
	}
	return true
}

// ResetBreaker clears the latch on an explicit operator call.
func (e *Engine) ResetBreaker() {
	e.breaker.Reset()
	e.mu.Lock()
	e.breakerAnnounced = false
	e.mu.Unlock()
}

func (e *Engine) view(symbol string, now time.Time) risk.PortfolioView {
	return risk.PortfolioView{
		Balance:          e.portfolio.Balance(),
		Equity:           e.Equity(),
		OpenPositions:    e.ledger.OpenLotCount(),
		DailyRealizedPnL: e.portfolio.DailyPnL(now),
		LossStreak:       e.portfolio.LossStreak(),
		Holdings:         e.ledger.Holdings(symbol),
	}
}

func (e *Engine) skipOrder(ctx context.Context, decision models.Decision, side models.Side, key string, price float64, now time.Time, reason string) {
	order := &models.Order{
		OrderID:        history.NewID("ord", decision.Symbol, decision.Timestamp, string(side)),
		DecisionID:     decision.ID,
		IdempotencyKey: key,
		Symbol:         decision.Symbol,
		Side:           side,
		RequestedPrice: price,
		Status:         models.OrderSkipped,
		Reason:         reason,
		Timestamp:      now,
	}
	e.journal(ctx, history.RecordSet{Decision: decision, Order: order})
	e.log.Info("order skipped",
		logger.String("symbol", decision.Symbol),
		logger.String("side", string(side)),
		logger.String("reason", reason),
	)
}

func (e *Engine) executeBuy(
	ctx context.Context,
	decision models.Decision,
	sig models.Signal,
	params models.StrategyParameters,
	key string,
	latest models.Candle,
	cur models.IndicatorSnapshot,
	atrPct float64,
	decisionTs, now time.Time,
) {
	symbol := decision.Symbol
	assessment := e.risk.EvaluateBuy(params, e.view(symbol, now), latest.Close, cur.ATR, sig.Regime)
	if !assessment.Allowed {
		e.skipOrder(ctx, decision, models.SideBuy, key, latest.Close, now, strings.Join(assessment.Reasons, "; "))
		return
	}

	qty := execution.RoundSize(assessment.Qty)
	sim := e.sim.Fill(symbol, models.SideBuy, latest.Close, atrPct, qty, decisionTs)
	if cost := sim.FillPrice*qty + sim.Fees; cost > e.portfolio.Balance() {
		qty = execution.RoundSize(e.portfolio.Balance() / (sim.FillPrice * (1 + e.sim.FeeRate())))
		if qty <= 0 {
			e.skipOrder(ctx, decision, models.SideBuy, key, latest.Close, now, "balance cannot cover fill")
			return
		}
		sim = e.sim.Fill(symbol, models.SideBuy, latest.Close, atrPct, qty, decisionTs)
	}

	order := &models.Order{
		OrderID:        history.NewID("ord", symbol, decisionTs, "BUY"),
		DecisionID:     decision.ID,
		IdempotencyKey: key,
		Symbol:         symbol,
		Side:           models.SideBuy,
		Qty:            qty,
		RequestedPrice: latest.Close,
		Status:         models.OrderAccepted,
		Timestamp:      now,
	}
	fill := &models.Fill{
		FillID:    history.NewID("fil", symbol, decisionTs, "BUY"),
		OrderID:   order.OrderID,
		Symbol:    symbol,
		AvgPrice:  sim.FillPrice,
		Qty:       qty,
		Fees:      sim.Fees,
		Status:    models.OrderFilled,
		Timestamp: now,
	}
	trade := &models.Trade{
		ID:         history.NewID("trd", symbol, decisionTs, "BUY"),
		Symbol:     symbol,
		Side:       models.SideBuy,
		Price:      sim.FillPrice,
		Amount:     qty,
		Timestamp:  now,
		Fee:        sim.Fees,
		Simulation: sim,
		DecisionID: decision.ID,
		SetupScore: sig.SetupScore,
		ATRPct:     atrPct,
	}
	lot := models.Lot{
		ID:                 history.NewID("lot", symbol, decisionTs, "BUY"),
		Symbol:             symbol,
		EntryPrice:         sim.FillPrice,
		Amount:             qty,
		StopLoss:           execution.RoundPrice(sim.FillPrice - assessment.StopDistance),
		TakeProfit:         execution.RoundPrice(sim.FillPrice + (assessment.TakeProfit - latest.Close)),
		Timestamp:          now,
		InitialRiskPerUnit: assessment.StopDistance,
		EntryFeePerUnit:    sim.Fees / qty,
		StrategyVersion:    decision.ModelVersion,
	}

	// journal first: a duplicate-key reject must leave the ledger untouched
	set := history.RecordSet{Decision: decision, Order: order, Fill: fill, Trade: trade}
	set.Snapshot = e.pendingSnapshot(symbol, qty, sim.FillPrice, now)
	if err := e.store.AppendRecordSet(ctx, set); err != nil {
		if errors.Is(err, history.ErrDuplicateKey) {
			e.log.Info("duplicate order suppressed", logger.String("key", key))
			return
		}
		e.metrics.RecordError("journal_append")
		e.log.Error("journal append failed", logger.Error(err))
		return
	}
	e.bus.Publish(events.Event{Kind: events.KindDecisionRecorded, Symbol: symbol, Payload: decision})

	e.ledger.Add(lot)
	e.portfolio.RecordBuy(sim.FillPrice*qty+sim.Fees, now)
	e.status.Trade()
	e.metrics.RecordTrade(symbol, "BUY")
	e.metrics.RecordOpenLots(symbol, len(e.ledger.Lots(symbol)))
	e.bus.Publish(events.Event{Kind: events.KindTradeExecuted, Symbol: symbol, Payload: *trade})
	e.log.Info("paper buy filled",
		logger.String("symbol", symbol),
		logger.Float64("price", sim.FillPrice),
		logger.Float64("qty", qty),
		logger.Float64("stop", lot.StopLoss),
		logger.Float64("target", lot.TakeProfit),
	)
}

func (e *Engine) executeSell(
	ctx context.Context,
	decision models.Decision,
	sig models.Signal,
	key string,
	latest models.Candle,
	atrPct float64,
	decisionTs, now time.Time,
) {
	symbol := decision.Symbol
	assessment := e.risk.EvaluateSell(e.view(symbol, now), 0)
	if !assessment.Allowed {
		e.skipOrder(ctx, decision, models.SideSell, key, latest.Close, now, strings.Join(assessment.Reasons, "; "))
		return
	}

	consumed, err := e.ledger.PreviewConsume(symbol, assessment.Qty, "")
	if err != nil {
		e.skipOrder(ctx, decision, models.SideSell, key, latest.Close, now, err.Error())
		return
	}

	sim := e.sim.Fill(symbol, models.SideSell, latest.Close, atrPct, consumed.Qty, decisionTs)
	pnl, rMultiple := execution.ClosePnL(consumed, sim)

	order := &models.Order{
		OrderID:        history.NewID("ord", symbol, decisionTs, "SELL"),
		DecisionID:     decision.ID,
		IdempotencyKey: key,
		Symbol:         symbol,
		Side:           models.SideSell,
		Qty:            consumed.Qty,
		RequestedPrice: latest.Close,
		Status:         models.OrderAccepted,
		Timestamp:      now,
	}
	fill := &models.Fill{
		FillID:    history.NewID("fil", symbol, decisionTs, "SELL"),
		OrderID:   order.OrderID,
		Symbol:    symbol,
		AvgPrice:  sim.FillPrice,
		Qty:       consumed.Qty,
		Fees:      sim.Fees,
		Status:    models.OrderFilled,
		Timestamp: now,
	}
	trade := &models.Trade{
		ID:         history.NewID("trd", symbol, decisionTs, "SELL"),
		Symbol:     symbol,
		Side:       models.SideSell,
		Price:      sim.FillPrice,
		Amount:     consumed.Qty,
		Timestamp:  now,
		Fee:        sim.Fees,
		PnL:        &pnl,
		RMultiple:  &rMultiple,
		ExitReason: models.ExitSignal,
		Simulation: sim,
		DecisionID: decision.ID,
		SetupScore: sig.SetupScore,
		ATRPct:     atrPct,
	}

	// journal first: the ledger commits only after the journal accepted
	// the exit, so a failed append never strands in-memory state
	set := history.RecordSet{Decision: decision, Order: order, Fill: fill, Trade: trade}
	set.Snapshot = e.pendingSnapshot(symbol, -consumed.Qty, consumed.EntryPrice, now)
	if err := e.store.AppendRecordSet(ctx, set); err != nil {
		if errors.Is(err, history.ErrDuplicateKey) {
			e.log.Info("duplicate order suppressed", logger.String("key", key))
			return
		}
		e.metrics.RecordError("journal_append")
		e.log.Error("journal append failed", logger.Error(err))
		return
	}
	e.bus.Publish(events.Event{Kind: events.KindDecisionRecorded, Symbol: symbol, Payload: decision})

	if _, err := e.ledger.Consume(symbol, consumed.Qty, ""); err != nil {
		e.metrics.RecordError("ledger_commit")
		e.log.Error("ledger commit failed after journal", logger.Error(err))
		return
	}
	e.portfolio.RecordSell(sim.FillPrice*consumed.Qty-sim.Fees, pnl, rMultiple, now)
	e.status.Trade()
	e.metrics.RecordTrade(symbol, "SELL")
	e.metrics.RecordOpenLots(symbol, len(e.ledger.Lots(symbol)))
	e.bus.Publish(events.Event{Kind: events.KindTradeExecuted, Symbol: symbol, Payload: *trade})
	e.log.Info("paper sell filled",
		logger.String("symbol", symbol),
		logger.Float64("price", sim.FillPrice),
		logger.Float64("qty", consumed.Qty),
		logger.Float64("pnl", pnl),
		logger.Float64("r_multiple", rMultiple),
	)
}

// exitScan closes lots whose stop or target the latest close crossed.
// Protective exits bypass the decision pipeline and its counters; they are
// journaled as trades with their exit reason.
func (e *Engine) exitScan(ctx context.Context, symbol string, bars []models.Candle, now time.Time) {
	if len(bars) == 0 {
		return
	}
	latest := bars[len(bars)-1]
	signals := e.ledger.ExitScan(symbol, latest.Close)
	if len(signals) == 0 {
		return
	}

	atrPct := 0.0
	if cur, _, _, ok := indicator.Replay(bars); ok {
		atrPct = cur.ATRPct(latest.Close)
	}

	for _, exit := range signals {
		consumed, err := e.ledger.PreviewConsume(symbol, 0, exit.Lot.ID)
		if err != nil {
			continue
		}
		ref := exit.Lot.StopLoss
		if exit.Reason == models.ExitTakeProfit {
			ref = exit.Lot.TakeProfit
		}
		sim := e.sim.Fill(symbol, models.SideSell, ref, atrPct, consumed.Qty, now)
		pnl, rMultiple := execution.ClosePnL(consumed, sim)

		trade := models.Trade{
			ID:         history.NewID("trd", symbol, now, string(exit.Reason)+"|"+exit.Lot.ID),
			Symbol:     symbol,
			Side:       models.SideSell,
			Price:      sim.FillPrice,
			Amount:     consumed.Qty,
			Timestamp:  now,
			Fee:        sim.Fees,
			PnL:        &pnl,
			RMultiple:  &rMultiple,
			ExitReason: exit.Reason,
			Simulation: sim,
			ATRPct:     atrPct,
		}
		// a failed append keeps the lot open; the crossed level trips
		// again on the next pass
		if err := e.store.AppendTrade(ctx, trade); err != nil {
			e.metrics.RecordError("journal_append")
			e.log.Error("exit journal append failed", logger.Error(err))
			continue
		}
		if _, err := e.ledger.Consume(symbol, 0, exit.Lot.ID); err != nil {
			e.metrics.RecordError("ledger_commit")
			e.log.Error("ledger commit failed after journal", logger.Error(err))
			continue
		}
		if snap := e.pendingSnapshot(symbol, 0, latest.Close, now); snap != nil {
			if err := e.store.AppendSnapshot(ctx, *snap); err != nil {
				e.metrics.RecordError("journal_append")
			}
		}

		e.portfolio.RecordSell(sim.FillPrice*consumed.Qty-sim.Fees, pnl, rMultiple, now)
		e.metrics.RecordTrade(symbol, "SELL")
		e.metrics.RecordOpenLots(symbol, len(e.ledger.Lots(symbol)))
		e.bus.Publish(events.Event{Kind: events.KindTradeExecuted, Symbol: symbol, Payload: trade})
		e.log.Info("protective exit filled",
			logger.String("symbol", symbol),
			logger.String("reason", string(exit.Reason)),
			logger.Float64("price", sim.FillPrice),
			logger.Float64("pnl", pnl),
		)
	}
}

// pendingSnapshot builds the portfolio snapshot as it will look after the
// in-flight mutation: extraQty/price describe the signed size change being
// journaled before the ledger applies it (fill price on a buy, consumed
// entry price on a sell).
func (e *Engine) pendingSnapshot(symbol string, extraQty, price float64, now time.Time) *models.PositionSnapshot {
	prev := e.ledger.Holdings(symbol)
	size := prev + extraQty
	avg := e.ledger.AvgEntry(symbol)
	switch {
	case size < 1e-6:
		size, avg = 0, 0
	case extraQty != 0:
		avg = (avg*prev + price*extraQty) / size
	}
	return &models.PositionSnapshot{
		Timestamp:           now,
		Symbol:              symbol,
		Balance:             e.portfolio.Balance(),
		PositionSize:        size,
		AvgEntryPrice:       avg,
		TotalPortfolioValue: e.Equity(),
	}
}

func (e *Engine) journal(ctx context.Context, set history.RecordSet) {
	if err := e.store.AppendRecordSet(ctx, set); err != nil {
		e.metrics.RecordError("journal_append")
		e.log.Error("journal append failed", logger.Error(err))
		return
	}
	e.bus.Publish(events.Event{
		Kind:    events.KindDecisionRecorded,
		Symbol:  set.Decision.Symbol,
		Payload: set.Decision,
	})
}
