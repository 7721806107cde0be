package exchange

import (
	"context"
	"errors"
	"strings"
	"time"

	"papertrader/internal/domain/models"
)

// Venue identifies a supported exchange driver.
type Venue string

const (
	VenueBinance Venue = "BINANCE"
	VenueKuCoin  Venue = "KUCOIN"
	VenueBybit   Venue = "BYBIT"
)

var (
	// ErrVenueUnavailable wraps transport failures after retries.
	ErrVenueUnavailable = errors.New("venue unavailable")

	// ErrOrderRejected is returned when a paper order cannot fill.
	ErrOrderRejected = errors.New("order rejected")
)

// OrderRequest is a market order submitted to a venue driver.
type OrderRequest struct {
	Symbol      string
	Side        models.Side
	Qty         float64
	ArbitrageID string
}

// OrderResult is the venue's (simulated) execution outcome.
type OrderResult struct {
	OrderID  string
	Symbol   string
	Side     models.Side
	AvgPrice float64
	Qty      float64
	Fees     float64
	Venue    Venue
}

// Adapter is the capability set every venue driver exposes. Drivers run
// in paper mode: PlaceOrder fills against the live quote without
// touching real funds.
type Adapter interface {
	Name() Venue
	BestBidAsk(ctx context.Context, symbol string) (models.Quote, error)
	OrderBook(ctx context.Context, symbol string, limit int) (models.OrderBook, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	Fees() models.FeeSchedule
	Latency() time.Duration
}

// venueSymbol maps the canonical BASE-QUOTE form to the venue's ticker
// convention.
func venueSymbol(v Venue, symbol string) string {
	switch v {
	case VenueKuCoin:
		return symbol // KuCoin keeps the dash
	default:
		return strings.ReplaceAll(symbol, "-", "")
	}
}

// paperFill crosses a market order against the venue's best quote.
func paperFill(v Venue, q models.Quote, req OrderRequest, fees models.FeeSchedule, orderID string) (OrderResult, error) {
	if req.Qty <= 0 {
		return OrderResult{}, ErrOrderRejected
	}
	price := q.Ask
	if req.Side == models.SideSell {
		price = q.Bid
	}
	if price <= 0 {
		return OrderResult{}, ErrOrderRejected
	}
	return OrderResult{
		OrderID:  orderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		AvgPrice: price,
		Qty:      req.Qty,
		Fees:     fees.TakerRate * price * req.Qty,
		Venue:    v,
	}, nil
}

// latencyTracker keeps an exponentially weighted round-trip estimate.
type latencyTracker struct {
	ewma time.Duration
}

func (l *latencyTracker) observe(d time.Duration) {
	if l.ewma == 0 {
		l.ewma = d
		return
	}
	l.ewma = (l.ewma*7 + d) / 8
}

func (l *latencyTracker) value() time.Duration { return l.ewma }
