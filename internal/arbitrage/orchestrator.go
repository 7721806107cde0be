package arbitrage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"papertrader/internal/domain/models"
	"papertrader/internal/domain/repository"
	"papertrader/internal/events"
	"papertrader/internal/exchange"
	"papertrader/internal/history"
	"papertrader/pkg/cache"
	"papertrader/pkg/logger"
)

// Config tunes the cross-venue scan.
type Config struct {
	Symbols     []string
	NotionalUSD float64
	// MinEdgePct rejects opportunities whose net edge is too thin to be
	// worth acting on; zero accepts any positive edge.
	MinEdgePct    float64
	SlippagePct   float64
	LatencyBuffer float64
	ScanInterval  time.Duration
	QuoteTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.NotionalUSD <= 0 {
		c.NotionalUSD = 100
	}
	if c.SlippagePct <= 0 {
		c.SlippagePct = 0.0005
	}
	if c.LatencyBuffer <= 0 {
		c.LatencyBuffer = 0.0005
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 15 * time.Second
	}
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = 2 * time.Second
	}
	return c
}

// Opportunity is a positive net-edge spread between two venues.
type Opportunity struct {
	ID        string
	Symbol    string
	BuyVenue  exchange.Venue
	SellVenue exchange.Venue
	BuyAsk    float64
	SellBid   float64
	NetPct    float64
	Observed  time.Time
}

// Result is the outcome of executing one opportunity.
type Result struct {
	Opportunity Opportunity
	BuyFill     exchange.OrderResult
	SellFill    exchange.OrderResult
	Hedged      bool
	PnL         float64
}

// Orchestrator scans every registered venue for crossed quotes and
// executes paper dual-leg fills. Quotes flow through the shared cache so
// concurrent scans and the HTTP facade reuse the same snapshots.
type Orchestrator struct {
	cfg      Config
	adapters []exchange.Adapter
	quotes   cache.Service
	store    history.Store
	bus      *events.Bus
	metrics  repository.Metrics
	log      *logger.Logger

	now func() time.Time
}

func New(
	cfg Config,
	adapters []exchange.Adapter,
	quotes cache.Service,
	store history.Store,
	bus *events.Bus,
	m repository.Metrics,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		adapters: adapters,
		quotes:   quotes,
		store:    store,
		bus:      bus,
		metrics:  m,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// quote fetches one venue's best bid/ask through the cache.
func (o *Orchestrator) quote(ctx context.Context, a exchange.Adapter, symbol string) (models.Quote, error) {
	key := fmt.Sprintf("quote:%s:%s", a.Name(), symbol)
	var q models.Quote
	if err := o.quotes.Get(ctx, key, &q); err == nil && o.now().Sub(q.Timestamp) < o.cfg.QuoteTTL {
		return q, nil
	}
	q, err := a.BestBidAsk(ctx, symbol)
	if err != nil {
		return models.Quote{}, err
	}
	if err := o.quotes.Set(ctx, key, q, o.cfg.QuoteTTL); err != nil {
		o.log.Warn("quote cache set failed", logger.String("key", key), logger.Error(err))
	}
	return q, nil
}

type venueQuote struct {
	adapter exchange.Adapter
	quote   models.Quote
}

// Scan queries every adapter concurrently and returns the best
// opportunity for the symbol, or nil when no net-positive edge exists.
func (o *Orchestrator) Scan(ctx context.Context, symbol string) (*Opportunity, error) {
	var (
		mu     sync.Mutex
		quotes []venueQuote
		wg     sync.WaitGroup
	)
	for _, a := range o.adapters {
		wg.Add(1)
		go func(a exchange.Adapter) {
			defer wg.Done()
			q, err := o.quote(ctx, a, symbol)
			if err != nil {
				o.metrics.RecordError("arb_quote")
				o.log.Warn("venue quote failed",
					logger.String("venue", string(a.Name())),
					logger.String("symbol", symbol),
					logger.Error(err),
				)
				return
			}
			mu.Lock()
			quotes = append(quotes, venueQuote{adapter: a, quote: q})
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	if len(quotes) < 2 {
		return nil, fmt.Errorf("need quotes from at least two venues, got %d", len(quotes))
	}

	var buy, sell *venueQuote
	for i := range quotes {
		vq := &quotes[i]
		if vq.quote.Ask > 0 && (buy == nil || vq.quote.Ask < buy.quote.Ask) {
			buy = vq
		}
		if vq.quote.Bid > 0 && (sell == nil || vq.quote.Bid > sell.quote.Bid) {
			sell = vq
		}
	}
	if buy == nil || sell == nil || buy.adapter.Name() == sell.adapter.Name() {
		return nil, nil
	}

	gross := (sell.quote.Bid - buy.quote.Ask) / buy.quote.Ask
	fees := buy.adapter.Fees().TakerRate + sell.adapter.Fees().TakerRate
	netPct := gross - fees - o.cfg.SlippagePct - o.cfg.LatencyBuffer
	if netPct <= o.cfg.MinEdgePct {
		return nil, nil
	}

	opp := &Opportunity{
		ID:        history.NewID("arb", symbol, o.now(), string(buy.adapter.Name())+string(sell.adapter.Name())),
		Symbol:    symbol,
		BuyVenue:  buy.adapter.Name(),
		SellVenue: sell.adapter.Name(),
		BuyAsk:    buy.quote.Ask,
		SellBid:   sell.quote.Bid,
		NetPct:    netPct,
		Observed:  o.now(),
	}
	o.bus.Publish(events.Event{
		Kind:   events.KindArbitrageFound,
		Symbol: symbol,
		Payload: events.ArbitrageFound{
			ArbitrageID: opp.ID,
			Symbol:      symbol,
			BuyVenue:    string(opp.BuyVenue),
			SellVenue:   string(opp.SellVenue),
			NetPct:      netPct,
		},
	})
	return opp, nil
}

func (o *Orchestrator) adapter(v exchange.Venue) exchange.Adapter {
	for _, a := range o.adapters {
		if a.Name() == v {
			return a
		}
	}
	return nil
}

// Execute places both legs concurrently. If exactly one leg fails the
// surviving leg is hedged at market on its own venue, so the book never
// carries a naked cross-venue position.
func (o *Orchestrator) Execute(ctx context.Context, opp Opportunity) (Result, error) {
	buyAdapter := o.adapter(opp.BuyVenue)
	sellAdapter := o.adapter(opp.SellVenue)
	if buyAdapter == nil || sellAdapter == nil {
		return Result{}, fmt.Errorf("unknown venue in opportunity %s", opp.ID)
	}
	qty := o.cfg.NotionalUSD / opp.BuyAsk

	var (
		wg       sync.WaitGroup
		buyFill  exchange.OrderResult
		sellFill exchange.OrderResult
		buyErr   error
		sellErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		buyFill, buyErr = buyAdapter.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol: opp.Symbol, Side: models.SideBuy, Qty: qty, ArbitrageID: opp.ID,
		})
	}()
	go func() {
		defer wg.Done()
		sellFill, sellErr = sellAdapter.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol: opp.Symbol, Side: models.SideSell, Qty: qty, ArbitrageID: opp.ID,
		})
	}()
	wg.Wait()

	switch {
	case buyErr != nil && sellErr != nil:
		return Result{Opportunity: opp}, fmt.Errorf("both legs failed: buy: %v; sell: %v", buyErr, sellErr)
	case buyErr == nil && sellErr == nil:
		return o.settle(ctx, opp, buyFill, sellFill, false)
	case buyErr != nil:
		// sell leg landed; buy it back on the sell venue
		hedge, err := sellAdapter.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol: opp.Symbol, Side: models.SideBuy, Qty: qty, ArbitrageID: opp.ID,
		})
		if err != nil {
			return Result{Opportunity: opp}, fmt.Errorf("buy leg failed and hedge failed: %v; %v", buyErr, err)
		}
		o.log.Warn("buy leg failed, hedged sell leg",
			logger.String("arbitrage_id", opp.ID),
			logger.String("venue", string(opp.SellVenue)),
			logger.Error(buyErr),
		)
		return o.settle(ctx, opp, hedge, sellFill, true)
	default:
		// buy leg landed; flatten it on the buy venue
		hedge, err := buyAdapter.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol: opp.Symbol, Side: models.SideSell, Qty: qty, ArbitrageID: opp.ID,
		})
		if err != nil {
			return Result{Opportunity: opp}, fmt.Errorf("sell leg failed and hedge failed: %v; %v", sellErr, err)
		}
		o.log.Warn("sell leg failed, hedged buy leg",
			logger.String("arbitrage_id", opp.ID),
			logger.String("venue", string(opp.BuyVenue)),
			logger.Error(sellErr),
		)
		return o.settle(ctx, opp, buyFill, hedge, true)
	}
}

// settle records both legs as ordinary trades; realized PnL rides on
// the sell leg.
func (o *Orchestrator) settle(ctx context.Context, opp Opportunity, buy, sell exchange.OrderResult, hedged bool) (Result, error) {
	now := o.now()
	pnl := (sell.AvgPrice-buy.AvgPrice)*sell.Qty - buy.Fees - sell.Fees

	buyTrade := models.Trade{
		ID:          history.NewID("trd", opp.Symbol, now, "arb-buy-"+opp.ID),
		Symbol:      opp.Symbol,
		Side:        models.SideBuy,
		Price:       buy.AvgPrice,
		Amount:      buy.Qty,
		Timestamp:   now,
		Fee:         buy.Fees,
		ArbitrageID: opp.ID,
	}
	sellTrade := models.Trade{
		ID:          history.NewID("trd", opp.Symbol, now, "arb-sell-"+opp.ID),
		Symbol:      opp.Symbol,
		Side:        models.SideSell,
		Price:       sell.AvgPrice,
		Amount:      sell.Qty,
		Timestamp:   now,
		Fee:         sell.Fees,
		PnL:         &pnl,
		ExitReason:  models.ExitArbitrage,
		ArbitrageID: opp.ID,
	}
	if err := o.store.AppendTrade(ctx, buyTrade); err != nil {
		return Result{}, fmt.Errorf("record buy leg: %w", err)
	}
	if err := o.store.AppendTrade(ctx, sellTrade); err != nil {
		return Result{}, fmt.Errorf("record sell leg: %w", err)
	}
	o.metrics.RecordTrade(opp.Symbol, string(models.SideBuy))
	o.metrics.RecordTrade(opp.Symbol, string(models.SideSell))
	o.bus.Publish(events.Event{Kind: events.KindTradeExecuted, Symbol: opp.Symbol, Payload: sellTrade})

	o.log.Info("arbitrage settled",
		logger.String("arbitrage_id", opp.ID),
		logger.String("symbol", opp.Symbol),
		logger.Float64("net_pct", opp.NetPct),
		logger.Float64("pnl", pnl),
		logger.Bool("hedged", hedged),
	)
	return Result{Opportunity: opp, BuyFill: buy, SellFill: sell, Hedged: hedged, PnL: pnl}, nil
}

// Run drives periodic scans until ctx is cancelled. A cache lock keeps
// concurrent replicas from double-executing the same window.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.scanAll(ctx)
		}
	}
}

func (o *Orchestrator) scanAll(ctx context.Context) {
	locked, err := o.quotes.TryLock(ctx, "arb:scan", o.cfg.ScanInterval)
	if err != nil {
		o.log.Warn("arbitrage scan lock failed", logger.Error(err))
		return
	}
	if !locked {
		return
	}
	defer func() {
		if err := o.quotes.Unlock(ctx, "arb:scan"); err != nil {
			o.log.Warn("arbitrage scan unlock failed", logger.Error(err))
		}
	}()

	for _, symbol := range o.cfg.Symbols {
		opp, err := o.Scan(ctx, symbol)
		if err != nil {
			o.log.Warn("arbitrage scan failed", logger.String("symbol", symbol), logger.Error(err))
			continue
		}
		if opp == nil {
			continue
		}
		if _, err := o.Execute(ctx, *opp); err != nil {
			o.metrics.RecordError("arb_execute")
			o.log.Error("arbitrage execution failed",
				logger.String("arbitrage_id", opp.ID),
				logger.Error(err),
			)
		}
	}
}
