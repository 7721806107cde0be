package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"papertrader/internal/domain/models"
	"papertrader/internal/history"
	pkghttp "papertrader/pkg/http"
	"papertrader/pkg/logger"
)

const bybitRESTBase = "https://api.bybit.com"

// Bybit is the third arbitrage venue.
type Bybit struct {
	rest    *pkghttp.Client
	limiter *rate.Limiter
	log     *logger.Logger
	baseURL string
	fees    models.FeeSchedule

	mu  sync.Mutex
	lat latencyTracker
}

type BybitOption func(*Bybit)

func WithBybitBaseURL(u string) BybitOption {
	return func(b *Bybit) { b.baseURL = u }
}

func NewBybit(log *logger.Logger, opts ...BybitOption) *Bybit {
	b := &Bybit{
		rest:    pkghttp.NewClient(pkghttp.WithTimeout(binanceRequestTimeout)),
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		log:     log,
		baseURL: bybitRESTBase,
		fees:    models.FeeSchedule{MakerRate: 0.001, TakerRate: 0.001},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bybit) Name() Venue { return VenueBybit }

func (b *Bybit) Fees() models.FeeSchedule { return b.fees }

func (b *Bybit) Latency() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lat.value()
}

func (b *Bybit) get(ctx context.Context, path string, params map[string][]string, dest any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := b.rest.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method:      pkghttp.MethodGet,
		URL:         b.baseURL + path,
		QueryParams: params,
	}, dest)
	b.mu.Lock()
	b.lat.observe(time.Since(start))
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: bybit %s: %v", ErrVenueUnavailable, path, err)
	}
	return nil
}

type bybitTickers struct {
	RetCode int `json:"retCode"`
	Result  struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Bid1Price string `json:"bid1Price"`
			Bid1Size  string `json:"bid1Size"`
			Ask1Price string `json:"ask1Price"`
			Ask1Size  string `json:"ask1Size"`
		} `json:"list"`
	} `json:"result"`
}

func (b *Bybit) BestBidAsk(ctx context.Context, symbol string) (models.Quote, error) {
	var resp bybitTickers
	err := b.get(ctx, "/v5/market/tickers", map[string][]string{
		"category": {"spot"},
		"symbol":   {venueSymbol(VenueBybit, symbol)},
	}, &resp)
	if err != nil {
		return models.Quote{}, err
	}
	if resp.RetCode != 0 || len(resp.Result.List) == 0 {
		return models.Quote{}, fmt.Errorf("%w: bybit retCode %d", ErrVenueUnavailable, resp.RetCode)
	}
	t := resp.Result.List[0]
	q := models.Quote{Venue: string(VenueBybit), Symbol: symbol, Timestamp: time.Now().UTC()}
	for _, f := range []struct {
		src string
		dst *float64
	}{
		{t.Bid1Price, &q.Bid}, {t.Bid1Size, &q.BidSize}, {t.Ask1Price, &q.Ask}, {t.Ask1Size, &q.AskSize},
	} {
		v, err := strconv.ParseFloat(f.src, 64)
		if err != nil {
			return models.Quote{}, fmt.Errorf("bybit ticker: %w", err)
		}
		*f.dst = v
	}
	return q, nil
}

type bybitOrderbook struct {
	RetCode int `json:"retCode"`
	Result  struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	} `json:"result"`
}

func (b *Bybit) OrderBook(ctx context.Context, symbol string, limit int) (models.OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}
	var resp bybitOrderbook
	err := b.get(ctx, "/v5/market/orderbook", map[string][]string{
		"category": {"spot"},
		"symbol":   {venueSymbol(VenueBybit, symbol)},
		"limit":    {strconv.Itoa(limit)},
	}, &resp)
	if err != nil {
		return models.OrderBook{}, err
	}
	if resp.RetCode != 0 {
		return models.OrderBook{}, fmt.Errorf("%w: bybit retCode %d", ErrVenueUnavailable, resp.RetCode)
	}
	book := models.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}
	book.Bids = parseDepthLevels(resp.Result.Bids)
	book.Asks = parseDepthLevels(resp.Result.Asks)
	return book, nil
}

func (b *Bybit) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	q, err := b.BestBidAsk(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}
	id := history.NewID("byb", req.Symbol, time.Now().UTC(), string(req.Side)+req.ArbitrageID)
	return paperFill(VenueBybit, q, req, b.fees, id)
}
