package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"papertrader/internal/domain/models"
	"papertrader/internal/history"
	pkghttp "papertrader/pkg/http"
	"papertrader/pkg/logger"
)

const (
	binanceRESTBase = "https://api.binance.com"
	binanceWSBase   = "wss://stream.binance.com:9443/ws"

	binanceRequestTimeout = 12 * time.Second
	binanceMaxKlines      = 500
)

// Binance is the primary venue driver: REST kline history, a push kline
// feed for the market stream, and a paper order surface for the
// arbitrage orchestrator.
type Binance struct {
	rest    *pkghttp.Client
	limiter *rate.Limiter
	log     *logger.Logger
	baseURL string
	wsURL   string
	fees    models.FeeSchedule

	mu  sync.Mutex
	lat latencyTracker
}

type BinanceOption func(*Binance)

// WithBinanceBaseURL points the driver at a test server.
func WithBinanceBaseURL(rest, ws string) BinanceOption {
	return func(b *Binance) {
		b.baseURL = rest
		b.wsURL = ws
	}
}

func NewBinance(log *logger.Logger, opts ...BinanceOption) *Binance {
	b := &Binance{
		rest:    pkghttp.NewClient(pkghttp.WithTimeout(binanceRequestTimeout)),
		limiter: rate.NewLimiter(rate.Limit(18), 18), // weight headroom under the 1200/min cap
		log:     log,
		baseURL: binanceRESTBase,
		wsURL:   binanceWSBase,
		fees:    models.FeeSchedule{MakerRate: 0.001, TakerRate: 0.001},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Binance) Name() Venue { return VenueBinance }

func (b *Binance) Fees() models.FeeSchedule { return b.fees }

func (b *Binance) Latency() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lat.value()
}

func (b *Binance) observeLatency(d time.Duration) {
	b.mu.Lock()
	b.lat.observe(d)
	b.mu.Unlock()
}

func (b *Binance) get(ctx context.Context, path string, params map[string][]string, dest any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := b.rest.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method:      pkghttp.MethodGet,
		URL:         b.baseURL + path,
		QueryParams: params,
	}, dest)
	b.observeLatency(time.Since(start))
	if err != nil {
		return fmt.Errorf("%w: binance %s: %v", ErrVenueUnavailable, path, err)
	}
	return nil
}

// Klines fetches up to 500 bars, oldest first.
func (b *Binance) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if limit <= 0 || limit > binanceMaxKlines {
		limit = binanceMaxKlines
	}
	var raw [][]json.RawMessage
	err := b.get(ctx, "/api/v3/klines", map[string][]string{
		"symbol":   {venueSymbol(VenueBinance, symbol)},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}, &raw)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	out := make([]models.Candle, 0, len(raw))
	for _, row := range raw {
		c, err := parseKlineRow(symbol, interval, row)
		if err != nil {
			b.log.Warn("skipping malformed kline row", logger.String("symbol", symbol), logger.Error(err))
			continue
		}
		c.Closed = c.CloseTime <= now
		out = append(out, c)
	}
	return out, nil
}

func parseKlineRow(symbol, interval string, row []json.RawMessage) (models.Candle, error) {
	if len(row) < 7 {
		return models.Candle{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	var c models.Candle
	c.Symbol = symbol
	c.Interval = interval
	if err := json.Unmarshal(row[0], &c.OpenTime); err != nil {
		return models.Candle{}, fmt.Errorf("open time: %w", err)
	}
	if err := json.Unmarshal(row[6], &c.CloseTime); err != nil {
		return models.Candle{}, fmt.Errorf("close time: %w", err)
	}
	for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return models.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		*dst = v
	}
	return c, nil
}

type binanceKlineMsg struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// StreamKlines opens the kline socket and forwards bar updates until
// ctx is cancelled or the connection breaks. The error channel carries
// at most one terminal error.
func (b *Binance) StreamKlines(ctx context.Context, symbol, interval string) (<-chan models.Candle, <-chan error, error) {
	streamName := strings.ToLower(venueSymbol(VenueBinance, symbol)) + "@kline_" + interval
	u := b.wsURL + "/" + streamName

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: binance ws dial: %v", ErrVenueUnavailable, err)
	}

	msgs := make(chan models.Candle, 256)
	errs := make(chan error, 1)

	// close the socket as soon as the caller gives up
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go func() {
		defer close(msgs)
		defer close(errs)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					errs <- fmt.Errorf("binance ws read: %w", err)
				}
				return
			}
			var m binanceKlineMsg
			if err := json.Unmarshal(payload, &m); err != nil || m.EventType != "kline" {
				continue
			}
			c, err := klineMsgToCandle(symbol, m)
			if err != nil {
				continue
			}
			select {
			case msgs <- c:
			default:
				// drop on backpressure; the trailing bar is refreshed
				// by the next tick anyway
			}
		}
	}()

	return msgs, errs, nil
}

func klineMsgToCandle(symbol string, m binanceKlineMsg) (models.Candle, error) {
	c := models.Candle{
		Symbol:    symbol,
		Interval:  m.Kline.Interval,
		OpenTime:  m.Kline.OpenTime,
		CloseTime: m.Kline.CloseTime,
		Closed:    m.Kline.Closed,
	}
	for _, f := range []struct {
		src string
		dst *float64
	}{
		{m.Kline.Open, &c.Open},
		{m.Kline.High, &c.High},
		{m.Kline.Low, &c.Low},
		{m.Kline.Close, &c.Close},
		{m.Kline.Volume, &c.Volume},
	} {
		v, err := strconv.ParseFloat(f.src, 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("kline field: %w", err)
		}
		*f.dst = v
	}
	return c, nil
}

type binanceBookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

func (b *Binance) BestBidAsk(ctx context.Context, symbol string) (models.Quote, error) {
	var t binanceBookTicker
	err := b.get(ctx, "/api/v3/ticker/bookTicker", map[string][]string{
		"symbol": {venueSymbol(VenueBinance, symbol)},
	}, &t)
	if err != nil {
		return models.Quote{}, err
	}
	q := models.Quote{Venue: string(VenueBinance), Symbol: symbol, Timestamp: time.Now().UTC()}
	for _, f := range []struct {
		src string
		dst *float64
	}{
		{t.BidPrice, &q.Bid}, {t.BidQty, &q.BidSize}, {t.AskPrice, &q.Ask}, {t.AskQty, &q.AskSize},
	} {
		v, err := strconv.ParseFloat(f.src, 64)
		if err != nil {
			return models.Quote{}, fmt.Errorf("binance book ticker: %w", err)
		}
		*f.dst = v
	}
	return q, nil
}

type binanceDepth struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (b *Binance) OrderBook(ctx context.Context, symbol string, limit int) (models.OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}
	var d binanceDepth
	err := b.get(ctx, "/api/v3/depth", map[string][]string{
		"symbol": {venueSymbol(VenueBinance, symbol)},
		"limit":  {strconv.Itoa(limit)},
	}, &d)
	if err != nil {
		return models.OrderBook{}, err
	}
	book := models.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}
	book.Bids = parseDepthLevels(d.Bids)
	book.Asks = parseDepthLevels(d.Asks)
	return book, nil
}

func parseDepthLevels(levels [][]string) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(levels))
	for _, lv := range levels {
		if len(lv) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(lv[0], 64)
		size, err2 := strconv.ParseFloat(lv[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, models.BookLevel{Price: price, Size: size})
	}
	return out
}

// PlaceOrder fills a paper market order against the live best quote.
func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	q, err := b.BestBidAsk(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}
	id := history.NewID("bnc", req.Symbol, time.Now().UTC(), string(req.Side)+req.ArbitrageID)
	return paperFill(VenueBinance, q, req, b.fees, id)
}
