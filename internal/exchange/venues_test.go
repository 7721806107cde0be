package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
	"papertrader/pkg/logger"
)

func TestKuCoinBestBidAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/market/orderbook/level1", r.URL.Path)
		require.Equal(t, "BTC-USDC", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"code":"200000","data":{"bestBid":"60010","bestBidSize":"0.4","bestAsk":"60020","bestAskSize":"0.6"}}`))
	}))
	defer srv.Close()

	k := NewKuCoin(logger.Nop(), WithKuCoinBaseURL(srv.URL))
	q, err := k.BestBidAsk(context.Background(), "BTC-USDC")
	require.NoError(t, err)
	require.Equal(t, 60010.0, q.Bid)
	require.Equal(t, 60020.0, q.Ask)
	require.Equal(t, string(VenueKuCoin), q.Venue)
}

func TestKuCoinErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"400100","data":{}}`))
	}))
	defer srv.Close()

	k := NewKuCoin(logger.Nop(), WithKuCoinBaseURL(srv.URL))
	_, err := k.BestBidAsk(context.Background(), "BTC-USDC")
	require.ErrorIs(t, err, ErrVenueUnavailable)
}

func TestBybitBestBidAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/market/tickers", r.URL.Path)
		require.Equal(t, "spot", r.URL.Query().Get("category"))
		require.Equal(t, "BTCUSDC", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"retCode":0,"result":{"list":[{"symbol":"BTCUSDC","bid1Price":"59990","bid1Size":"0.3","ask1Price":"60005","ask1Size":"0.7"}]}}`))
	}))
	defer srv.Close()

	b := NewBybit(logger.Nop(), WithBybitBaseURL(srv.URL))
	q, err := b.BestBidAsk(context.Background(), "BTC-USDC")
	require.NoError(t, err)
	require.Equal(t, 59990.0, q.Bid)
	require.Equal(t, 60005.0, q.Ask)
}

func TestBybitOrderBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"b":[["59990","1.0"],["59980","2.0"]],"a":[["60005","0.5"]]}}`))
	}))
	defer srv.Close()

	b := NewBybit(logger.Nop(), WithBybitBaseURL(srv.URL))
	book, err := b.OrderBook(context.Background(), "BTC-USDC", 20)
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)
	require.Equal(t, 59990.0, book.Bids[0].Price)
}

func TestPaperFillRejectsEmptyQuote(t *testing.T) {
	_, err := paperFill(VenueBinance, models.Quote{}, OrderRequest{Symbol: "BTC-USDC", Side: models.SideBuy, Qty: 1}, models.FeeSchedule{TakerRate: 0.001}, "x")
	require.ErrorIs(t, err, ErrOrderRejected)
}
