package events

import (
	"sync"
	"time"

	"papertrader/internal/domain/models"
)

// Kind discriminates event payloads. One payload type per kind.
type Kind string

const (
	KindMarketUpdate      Kind = "market:update"
	KindIndicatorUpdate   Kind = "indicator:update"
	KindDecisionRecorded  Kind = "decision:recorded"
	KindTradeExecuted     Kind = "trade:executed"
	KindBreakerTripped    Kind = "breaker:tripped"
	KindStrategyCommitted Kind = "strategy:committed"
	KindArbitrageFound    Kind = "arbitrage:opportunity"
)

// MarketUpdate is emitted once per closed bar. The full candle rides
// along so archive listeners do not have to reach back into the stream.
type MarketUpdate struct {
	Symbol        string        `json:"symbol"`
	LagMs         int64         `json:"lagMs"`
	CandleCloseTs int64         `json:"candleCloseTs"`
	Close         float64       `json:"close"`
	Candle        models.Candle `json:"candle"`
}

// IndicatorUpdate is emitted when every indicator window is filled.
type IndicatorUpdate struct {
	Symbol   string                   `json:"symbol"`
	BarTs    int64                    `json:"barTs"`
	Snapshot models.IndicatorSnapshot `json:"snapshot"`
}

// BreakerTripped carries the latch reasons.
type BreakerTripped struct {
	Reasons []string  `json:"reasons"`
	At      time.Time `json:"at"`
}

// StrategyCommitted announces a new parameter version.
type StrategyCommitted struct {
	Version int64                     `json:"version"`
	Params  models.StrategyParameters `json:"params"`
}

// ArbitrageFound describes a positive net-edge cross-venue spread.
type ArbitrageFound struct {
	ArbitrageID string  `json:"arbitrageId"`
	Symbol      string  `json:"symbol"`
	BuyVenue    string  `json:"buyVenue"`
	SellVenue   string  `json:"sellVenue"`
	NetPct      float64 `json:"netPct"`
}

// Event is what flows through the bus.
type Event struct {
	Kind      Kind      `json:"kind"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload"`
}

// Handler consumes one event. Handlers must not block; slow consumers
// buffer internally.
type Handler func(Event)

// Bus is a small typed publish/subscribe hub. Listeners are registered
// during boot and the set is frozen with Seal before the first publish,
// so dispatch needs no locking on the hot path.
type Bus struct {
	mu       sync.Mutex
	sealed   bool
	handlers map[Kind][]Handler
	all      []Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers a handler for one kind. Panics after Seal: the
// listener set is fixed at boot.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		panic("events: subscribe after seal")
	}
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers a handler for every kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		panic("events: subscribe after seal")
	}
	b.all = append(b.all, h)
}

// Seal freezes the listener set.
func (b *Bus) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
}

// Publish dispatches synchronously to every registered handler.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for _, h := range b.handlers[e.Kind] {
		h(e)
	}
	for _, h := range b.all {
		h(e)
	}
}
