package models

import "time"

// Side of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus covers the full order lifecycle of the paper engine.
type OrderStatus string

const (
	OrderAccepted OrderStatus = "ACCEPTED"
	OrderSkipped  OrderStatus = "SKIPPED"
	OrderRejected OrderStatus = "REJECTED"
	OrderFilled   OrderStatus = "FILLED"
)

// ExitReason tags a SELL trade with why the position was closed.
type ExitReason string

const (
	ExitSignal     ExitReason = "SIGNAL"
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitForced     ExitReason = "FORCED"
	ExitArbitrage  ExitReason = "ARBITRAGE"
)

// ExecutionSimulation records how a paper fill price was derived.
type ExecutionSimulation struct {
	ReferencePrice float64 `json:"referencePrice"`
	Spread         float64 `json:"spread"`
	Slippage       float64 `json:"slippage"`
	FillPrice      float64 `json:"fillPrice"`
	FeeRate        float64 `json:"feeRate"`
	Fees           float64 `json:"fees"`
}

// Order is the append-only record of an order submission.
type Order struct {
	OrderID        string      `json:"orderId"`
	DecisionID     string      `json:"decisionId"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Qty            float64     `json:"qty"`
	RequestedPrice float64     `json:"requestedPrice"`
	Status         OrderStatus `json:"status"`
	Reason         string      `json:"reason,omitempty"`
	Timestamp      time.Time   `json:"ts"`
}

// Fill is the append-only record of a simulated execution.
type Fill struct {
	FillID    string      `json:"fillId"`
	OrderID   string      `json:"orderId"`
	Symbol    string      `json:"symbol"`
	AvgPrice  float64     `json:"avgPrice"`
	Qty       float64     `json:"qty"`
	Fees      float64     `json:"fees"`
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"ts"`
}

// Trade is one completed simulated trade leg.
type Trade struct {
	ID          string              `json:"id"`
	Symbol      string              `json:"symbol"`
	Side        Side                `json:"side"`
	Price       float64             `json:"price"`
	Amount      float64             `json:"amount"`
	Timestamp   time.Time           `json:"ts"`
	Fee         float64             `json:"fee"`
	PnL         *float64            `json:"pnl,omitempty"`
	RMultiple   *float64            `json:"rMultiple,omitempty"`
	ExitReason  ExitReason          `json:"exitReason,omitempty"`
	Simulation  ExecutionSimulation `json:"simulation"`
	DecisionID  string              `json:"decisionId"`
	ArbitrageID string              `json:"arbitrageId,omitempty"`

	// Entry context, carried through to the exit leg. Walk-forward
	// testing re-filters history through candidate parameters with these.
	SetupScore float64 `json:"setupScore,omitempty"`
	ATRPct     float64 `json:"atrPct,omitempty"`
}

// Closed reports whether the trade realized PnL (SELL legs always do).
func (t *Trade) Closed() bool { return t.PnL != nil }

// Quote is a best bid/ask snapshot from one venue.
type Quote struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	BidSize   float64   `json:"bidSize"`
	AskSize   float64   `json:"askSize"`
	Timestamp time.Time `json:"ts"`
}

// Mid returns the quote midpoint.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a bounded depth snapshot.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"ts"`
}

// FeeSchedule is a venue's taker/maker fee rates.
type FeeSchedule struct {
	MakerRate float64 `json:"makerRate"`
	TakerRate float64 `json:"takerRate"`
}
