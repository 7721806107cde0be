package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
	"papertrader/pkg/logger"
)

func TestKlinesParsesRESTRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/klines", r.URL.Path)
		require.Equal(t, "BTCUSDC", r.URL.Query().Get("symbol"))
		require.Equal(t, "1h", r.URL.Query().Get("interval"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			[1700000000000,"60000.1","60100.2","59900.3","60050.4","12.5",1700003599999,"0",0,"0","0","0"],
			[1700003600000,"60050.4","60200.0","60000.0","60150.0","8.1",1700007199999,"0",0,"0","0","0"]
		]`))
	}))
	defer srv.Close()

	b := NewBinance(logger.Nop(), WithBinanceBaseURL(srv.URL, ""))
	candles, err := b.Klines(context.Background(), "BTC-USDC", "1h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	require.Equal(t, "BTC-USDC", candles[0].Symbol)
	require.Equal(t, int64(1700000000000), candles[0].OpenTime)
	require.Equal(t, 60050.4, candles[0].Close)
	require.True(t, candles[0].Closed, "historical bars are closed")
	require.NoError(t, candles[0].Validate())
}

func TestBestBidAskParsesBookTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/ticker/bookTicker", r.URL.Path)
		w.Write([]byte(`{"symbol":"BTCUSDC","bidPrice":"60000.5","bidQty":"1.2","askPrice":"60001.5","askQty":"0.8"}`))
	}))
	defer srv.Close()

	b := NewBinance(logger.Nop(), WithBinanceBaseURL(srv.URL, ""))
	q, err := b.BestBidAsk(context.Background(), "BTC-USDC")
	require.NoError(t, err)
	require.Equal(t, 60000.5, q.Bid)
	require.Equal(t, 60001.5, q.Ask)
	require.Equal(t, 60001.0, q.Mid())
	require.Positive(t, b.Latency())
}

func TestPlaceOrderFillsAgainstQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTCUSDC","bidPrice":"60000","bidQty":"1","askPrice":"60002","askQty":"1"}`))
	}))
	defer srv.Close()

	b := NewBinance(logger.Nop(), WithBinanceBaseURL(srv.URL, ""))

	buy, err := b.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTC-USDC", Side: models.SideBuy, Qty: 0.5})
	require.NoError(t, err)
	require.Equal(t, 60002.0, buy.AvgPrice, "buys cross the ask")
	require.InDelta(t, 0.001*60002*0.5, buy.Fees, 1e-9)
	require.Equal(t, VenueBinance, buy.Venue)

	sell, err := b.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTC-USDC", Side: models.SideSell, Qty: 0.5})
	require.NoError(t, err)
	require.Equal(t, 60000.0, sell.AvgPrice, "sells cross the bid")

	_, err = b.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTC-USDC", Side: models.SideBuy, Qty: 0})
	require.ErrorIs(t, err, ErrOrderRejected)
}

func TestStreamKlinesForwardsBars(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/btcusdc@kline_1h", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		frames := []string{
			`{"e":"kline","s":"BTCUSDC","k":{"t":1700000000000,"T":1700003599999,"i":"1h","o":"60000","h":"60100","l":"59900","c":"60010","v":"3.2","x":false}}`,
			`{"e":"other"}`,
			`{"e":"kline","s":"BTCUSDC","k":{"t":1700000000000,"T":1700003599999,"i":"1h","o":"60000","h":"60100","l":"59900","c":"60050","v":"5.0","x":true}}`,
		}
		for _, f := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
		}
		// hold the socket open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	b := NewBinance(logger.Nop(), WithBinanceBaseURL("", wsURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, _, err := b.StreamKlines(ctx, "BTC-USDC", "1h")
	require.NoError(t, err)

	var got []models.Candle
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case c := <-msgs:
			got = append(got, c)
		case <-timeout:
			t.Fatalf("only received %d bars", len(got))
		}
	}
	require.False(t, got[0].Closed)
	require.True(t, got[1].Closed)
	require.Equal(t, 60050.0, got[1].Close)
	require.Equal(t, "BTC-USDC", got[1].Symbol)
}

func TestVenueSymbolMapping(t *testing.T) {
	require.Equal(t, "BTCUSDC", venueSymbol(VenueBinance, "BTC-USDC"))
	require.Equal(t, "BTC-USDC", venueSymbol(VenueKuCoin, "BTC-USDC"))
	require.Equal(t, "ETHUSDC", venueSymbol(VenueBybit, "ETH-USDC"))
}
