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

const kucoinRESTBase = "https://api.kucoin.com"

// KuCoinCredentials are only required for LIVE engine mode. Paper mode
// uses public market-data endpoints exclusively.
type KuCoinCredentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// KuCoin is the secondary venue driver used by the arbitrage scan.
type KuCoin struct {
	rest    *pkghttp.Client
	limiter *rate.Limiter
	log     *logger.Logger
	baseURL string
	creds   KuCoinCredentials
	fees    models.FeeSchedule

	mu  sync.Mutex
	lat latencyTracker
}

type KuCoinOption func(*KuCoin)

func WithKuCoinBaseURL(u string) KuCoinOption {
	return func(k *KuCoin) { k.baseURL = u }
}

func WithKuCoinCredentials(c KuCoinCredentials) KuCoinOption {
	return func(k *KuCoin) { k.creds = c }
}

func NewKuCoin(log *logger.Logger, opts ...KuCoinOption) *KuCoin {
	k := &KuCoin{
		rest:    pkghttp.NewClient(pkghttp.WithTimeout(binanceRequestTimeout)),
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		log:     log,
		baseURL: kucoinRESTBase,
		fees:    models.FeeSchedule{MakerRate: 0.001, TakerRate: 0.001},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *KuCoin) Name() Venue { return VenueKuCoin }

func (k *KuCoin) Fees() models.FeeSchedule { return k.fees }

func (k *KuCoin) Latency() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lat.value()
}

func (k *KuCoin) get(ctx context.Context, path string, params map[string][]string, dest any) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := k.rest.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method:      pkghttp.MethodGet,
		URL:         k.baseURL + path,
		QueryParams: params,
	}, dest)
	k.mu.Lock()
	k.lat.observe(time.Since(start))
	k.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: kucoin %s: %v", ErrVenueUnavailable, path, err)
	}
	return nil
}

type kucoinLevel1 struct {
	Code string `json:"code"`
	Data struct {
		BestBid     string `json:"bestBid"`
		BestBidSize string `json:"bestBidSize"`
		BestAsk     string `json:"bestAsk"`
		BestAskSize string `json:"bestAskSize"`
	} `json:"data"`
}

func (k *KuCoin) BestBidAsk(ctx context.Context, symbol string) (models.Quote, error) {
	var resp kucoinLevel1
	err := k.get(ctx, "/api/v1/market/orderbook/level1", map[string][]string{
		"symbol": {venueSymbol(VenueKuCoin, symbol)},
	}, &resp)
	if err != nil {
		return models.Quote{}, err
	}
	if resp.Code != "200000" {
		return models.Quote{}, fmt.Errorf("%w: kucoin code %s", ErrVenueUnavailable, resp.Code)
	}
	q := models.Quote{Venue: string(VenueKuCoin), Symbol: symbol, Timestamp: time.Now().UTC()}
	for _, f := range []struct {
		src string
		dst *float64
	}{
		{resp.Data.BestBid, &q.Bid}, {resp.Data.BestBidSize, &q.BidSize},
		{resp.Data.BestAsk, &q.Ask}, {resp.Data.BestAskSize, &q.AskSize},
	} {
		v, err := strconv.ParseFloat(f.src, 64)
		if err != nil {
			return models.Quote{}, fmt.Errorf("kucoin level1: %w", err)
		}
		*f.dst = v
	}
	return q, nil
}

type kucoinLevel2 struct {
	Code string `json:"code"`
	Data struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"data"`
}

func (k *KuCoin) OrderBook(ctx context.Context, symbol string, limit int) (models.OrderBook, error) {
	var resp kucoinLevel2
	err := k.get(ctx, "/api/v1/market/orderbook/level2_20", map[string][]string{
		"symbol": {venueSymbol(VenueKuCoin, symbol)},
	}, &resp)
	if err != nil {
		return models.OrderBook{}, err
	}
	if resp.Code != "200000" {
		return models.OrderBook{}, fmt.Errorf("%w: kucoin code %s", ErrVenueUnavailable, resp.Code)
	}
	book := models.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}
	book.Bids = parseDepthLevels(resp.Data.Bids)
	book.Asks = parseDepthLevels(resp.Data.Asks)
	if limit > 0 {
		if len(book.Bids) > limit {
			book.Bids = book.Bids[:limit]
		}
		if len(book.Asks) > limit {
			book.Asks = book.Asks[:limit]
		}
	}
	return book, nil
}

func (k *KuCoin) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	q, err := k.BestBidAsk(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}
	id := history.NewID("kcn", req.Symbol, time.Now().UTC(), string(req.Side)+req.ArbitrageID)
	return paperFill(VenueKuCoin, q, req, k.fees, id)
}
