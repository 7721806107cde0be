package execution

import (
	"errors"
	"sync"

	"papertrader/internal/domain/models"
)

// dustAmount is the threshold under which residual holdings are zeroed.
const dustAmount = 1e-6

var (
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrLotNotFound          = errors.New("lot not found")
)

// Consumed is the weighted slice of position removed by one exit. Entry
// price, risk and fees are averaged over the lots the exit walked through.
type Consumed struct {
	Qty                float64
	EntryPrice         float64
	InitialRiskPerUnit float64
	EntryFeePerUnit    float64
	LotIDs             []string
	Exhausted          []models.Lot
}

// ExitSignal marks a lot whose stop or target was crossed by the mark price.
type ExitSignal struct {
	Lot    models.Lot
	Reason models.ExitReason
}

// book holds one symbol's open lots in insertion order. head advances as
// FIFO exits drain the front; the slice is compacted once head outgrows
// the live region.
type book struct {
	lots []models.Lot
	head int
}

func (b *book) open() []models.Lot { return b.lots[b.head:] }

func (b *book) compact() {
	if b.head == 0 {
		return
	}
	if live := len(b.lots) - b.head; live == 0 || b.head > live {
		b.lots = append(b.lots[:0], b.lots[b.head:]...)
		b.head = 0
	}
}

// Ledger owns every open lot. All mutation goes through it; callers only
// ever see copies.
type Ledger struct {
	mu    sync.Mutex
	books map[string]*book
}

func NewLedger() *Ledger {
	return &Ledger{books: make(map[string]*book)}
}

// Add appends a lot created by a BUY fill.
func (l *Ledger) Add(lot models.Lot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.books[lot.Symbol]
	if b == nil {
		b = &book{}
		l.books[lot.Symbol] = b
	}
	b.lots = append(b.lots, lot)
}

// Consume removes qty from the symbol's position. With an empty targetID it
// walks lots oldest-first; with a targetID only that lot is drained. The
// returned slice carries the weighted entry context of what was consumed.
func (l *Ledger) Consume(symbol string, qty float64, targetID string) (Consumed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.books[symbol]
	c, err := consume(b, qty, targetID)
	if err != nil {
		return Consumed{}, err
	}
	l.sweepDust(symbol, b)
	return c, nil
}

// PreviewConsume computes the slice Consume would remove without touching
// the book. Callers journal the exit off the preview and commit with
// Consume only once the journal accepted it.
func (l *Ledger) PreviewConsume(symbol string, qty float64, targetID string) (Consumed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var scratch *book
	if b := l.books[symbol]; b != nil {
		scratch = &book{lots: append([]models.Lot(nil), b.open()...)}
	}
	return consume(scratch, qty, targetID)
}

// consume mutates b; a dry run passes a scratch copy.
func consume(b *book, qty float64, targetID string) (Consumed, error) {
	if b == nil || len(b.open()) == 0 {
		return Consumed{}, ErrInsufficientHoldings
	}
	if qty <= 0 && targetID == "" {
		return Consumed{}, ErrInsufficientHoldings
	}

	if targetID != "" {
		return consumeTarget(b, qty, targetID)
	}

	total := 0.0
	for i := range b.open() {
		total += b.open()[i].Amount
	}
	if qty > total+dustAmount {
		return Consumed{}, ErrInsufficientHoldings
	}
	if qty > total {
		qty = total
	}

	var c Consumed
	remaining := qty
	var wEntry, wRisk, wFee float64
	for remaining > dustAmount {
		lot := &b.lots[b.head]
		take := lot.Amount
		if take > remaining {
			take = remaining
		}
		wEntry += lot.EntryPrice * take
		wRisk += lot.InitialRiskPerUnit * take
		wFee += lot.EntryFeePerUnit * take
		c.LotIDs = append(c.LotIDs, lot.ID)
		lot.Amount -= take
		remaining -= take
		if lot.Amount <= dustAmount {
			c.Exhausted = append(c.Exhausted, *lot)
			b.head++
		}
	}
	b.compact()

	c.Qty = qty
	c.EntryPrice = wEntry / qty
	c.InitialRiskPerUnit = wRisk / qty
	c.EntryFeePerUnit = wFee / qty
	return c, nil
}

func consumeTarget(b *book, qty float64, targetID string) (Consumed, error) {
	open := b.open()
	idx := -1
	for i := range open {
		if open[i].ID == targetID {
			idx = b.head + i
			break
		}
	}
	if idx < 0 {
		return Consumed{}, ErrLotNotFound
	}
	lot := &b.lots[idx]
	if qty <= 0 || qty > lot.Amount {
		qty = lot.Amount
	}

	c := Consumed{
		Qty:                qty,
		EntryPrice:         lot.EntryPrice,
		InitialRiskPerUnit: lot.InitialRiskPerUnit,
		EntryFeePerUnit:    lot.EntryFeePerUnit,
		LotIDs:             []string{lot.ID},
	}
	lot.Amount -= qty
	if lot.Amount <= dustAmount {
		c.Exhausted = append(c.Exhausted, *lot)
		if idx == b.head {
			b.head++
			b.compact()
		} else {
			b.lots = append(b.lots[:idx], b.lots[idx+1:]...)
		}
	}
	return c, nil
}

// sweepDust zeroes a symbol's book once the live total falls under the
// dust threshold, so avg-entry never reflects a phantom residue.
func (l *Ledger) sweepDust(symbol string, b *book) {
	total := 0.0
	for i := range b.open() {
		total += b.open()[i].Amount
	}
	if total < dustAmount {
		delete(l.books, symbol)
	}
}

// Holdings returns the symbol's total open amount.
func (l *Ledger) Holdings(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.books[symbol]
	if b == nil {
		return 0
	}
	total := 0.0
	for i := range b.open() {
		total += b.open()[i].Amount
	}
	return total
}

// AvgEntry returns the size-weighted average entry of the open position.
func (l *Ledger) AvgEntry(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.books[symbol]
	if b == nil {
		return 0
	}
	var total, weighted float64
	for i := range b.open() {
		total += b.open()[i].Amount
		weighted += b.open()[i].Amount * b.open()[i].EntryPrice
	}
	if total < dustAmount {
		return 0
	}
	return weighted / total
}

// Lots returns copies of the symbol's open lots, oldest first.
func (l *Ledger) Lots(symbol string) []models.Lot {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.books[symbol]
	if b == nil {
		return nil
	}
	out := make([]models.Lot, len(b.open()))
	copy(out, b.open())
	return out
}

// OpenLotCount counts open lots across all symbols.
func (l *Ledger) OpenLotCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, b := range l.books {
		n += len(b.open())
	}
	return n
}

// OpenSymbols lists symbols with a live position.
func (l *Ledger) OpenSymbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.books))
	for s := range l.books {
		out = append(out, s)
	}
	return out
}

// Exposure is Σ amount·price over the symbol's open lots at the mark price.
func (l *Ledger) Exposure(symbol string, price float64) float64 {
	return l.Holdings(symbol) * price
}

// ExitScan reports lots whose protective levels the mark price crossed.
// Stop-loss is checked before take-profit for every lot, so a bar that
// straddles both resolves pessimistically.
func (l *Ledger) ExitScan(symbol string, price float64) []ExitSignal {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.books[symbol]
	if b == nil {
		return nil
	}
	var out []ExitSignal
	for _, lot := range b.open() {
		switch {
		case lot.StopLoss > 0 && price <= lot.StopLoss:
			out = append(out, ExitSignal{Lot: lot, Reason: models.ExitStopLoss})
		case lot.TakeProfit > 0 && price >= lot.TakeProfit:
			out = append(out, ExitSignal{Lot: lot, Reason: models.ExitTakeProfit})
		}
	}
	return out
}
