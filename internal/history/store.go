package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"papertrader/internal/domain/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a non-SKIPPED order reuses an
	// idempotency key. Journals are append-only; there are no updates.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// RecordSet is the output of one evaluation tick, written as a unit.
// Decision is always present; the rest depend on how far the tick got.
type RecordSet struct {
	Decision models.Decision
	Order    *models.Order
	Fill     *models.Fill
	Trade    *models.Trade
	Snapshot *models.PositionSnapshot
}

// StrategyStateRecord is the durable form of the strategy singleton.
type StrategyStateRecord struct {
	Version    int64                     `json:"version"`
	Parameters models.StrategyParameters `json:"parameters"`
	History    []models.StrategyRevision `json:"history"`
	Warnings   []models.StrategyWarning  `json:"warnings"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

// Store is the append-only journal contract the engine writes through.
// Within a symbol, readers observe Decision -> Order -> Fill -> Snapshot
// in that order.
type Store interface {
	AppendDecision(ctx context.Context, d models.Decision) error

	// AppendOrder rejects a non-SKIPPED order whose idempotency key was
	// already used by a non-SKIPPED record.
	AppendOrder(ctx context.Context, o models.Order) error
	AppendFill(ctx context.Context, f models.Fill) error
	AppendTrade(ctx context.Context, t models.Trade) error
	AppendSnapshot(ctx context.Context, s models.PositionSnapshot) error

	// AppendRecordSet writes one tick's records atomically where the
	// backend supports it (a transaction in hosted mode, a flushed
	// sequential append in file mode).
	AppendRecordSet(ctx context.Context, set RecordSet) error

	// OrderByIdempotencyKey looks up the newest non-SKIPPED order for
	// the key. ErrNotFound means the key is free.
	OrderByIdempotencyKey(ctx context.Context, key string) (models.Order, error)

	RecentTrades(ctx context.Context, limit int) ([]models.Trade, error)
	RecentDecisions(ctx context.Context, limit int) ([]models.Decision, error)

	// RecentOrders returns executed and SKIPPED orders alike, newest
	// first, so the audit trail of replayed requests stays visible.
	RecentOrders(ctx context.Context, limit int) ([]models.Order, error)

	// Trades returns the full journal oldest-first, for refinement.
	Trades(ctx context.Context) ([]models.Trade, error)

	SaveStrategyState(ctx context.Context, rec StrategyStateRecord) error
	LoadStrategyState(ctx context.Context) (StrategyStateRecord, error)

	Close() error
}

// IdempotencyKey derives the at-most-once execution key for an order.
func IdempotencyKey(symbol, timeframe string, decisionTs time.Time, side models.Side) string {
	return fmt.Sprintf("%s|%s|%d|%s", symbol, timeframe, decisionTs.UnixMilli(), side)
}

// InputsHash fingerprints the evaluation inputs recorded on a Decision.
func InputsHash(symbol, timeframe string, barTs time.Time, close float64, version int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%.8f|%d", symbol, timeframe, barTs.UnixMilli(), close, version)))
	return hex.EncodeToString(sum[:8])
}

// NewID builds a journal record id from a kind prefix and the same hash
// space as InputsHash, so replayed evaluations produce identical ids.
func NewID(kind, symbol string, ts time.Time, salt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", kind, symbol, ts.UnixMilli(), salt)))
	return kind + "-" + hex.EncodeToString(sum[:8])
}
