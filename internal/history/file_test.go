package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
	"papertrader/pkg/logger"
)

func openStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	s, err := NewFileStore(dir, logger.Nop())
	require.NoError(t, err)
	return s
}

func order(key string, status models.OrderStatus) models.Order {
	return models.Order{
		OrderID:        NewID("ord", "BTC-USDC", time.Now().UTC(), key+string(status)),
		DecisionID:     "dec-1",
		IdempotencyKey: key,
		Symbol:         "BTC-USDC",
		Side:           models.SideBuy,
		Qty:            0.1,
		RequestedPrice: 60000,
		Status:         status,
		Timestamp:      time.Now().UTC(),
	}
}

func TestOrderIdempotency(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	key := IdempotencyKey("BTC-USDC", "1h", time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC), models.SideBuy)
	require.NoError(t, s.AppendOrder(ctx, order(key, models.OrderFilled)))

	err := s.AppendOrder(ctx, order(key, models.OrderAccepted))
	require.ErrorIs(t, err, ErrDuplicateKey)

	// SKIPPED records of the same key are always accepted
	require.NoError(t, s.AppendOrder(ctx, order(key, models.OrderSkipped)))

	got, err := s.OrderByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	require.Equal(t, models.OrderFilled, got.Status)
}

func TestIdempotencyIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := IdempotencyKey("ETH-USDC", "1h", time.Now().UTC(), models.SideBuy)

	s := openStore(t, dir)
	require.NoError(t, s.AppendOrder(ctx, order(key, models.OrderFilled)))
	require.NoError(t, s.Close())

	s2 := openStore(t, dir)
	defer s2.Close()
	err := s2.AppendOrder(ctx, order(key, models.OrderFilled))
	require.ErrorIs(t, err, ErrDuplicateKey)

	_, err = s2.OrderByIdempotencyKey(ctx, "unused-key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecentReadsAreNewestFirst(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTrade(ctx, models.Trade{
			ID:        fmt.Sprintf("t-%d", i),
			Symbol:    "BTC-USDC",
			Side:      models.SideBuy,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.RecentTrades(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "t-4", got[0].ID)
	require.Equal(t, "t-2", got[2].ID)

	all, err := s.Trades(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, "t-0", all[0].ID, "full journal stays oldest first")
}

func TestRecordSetWritesInOrder(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	dec := models.Decision{ID: "dec-1", Symbol: "BTC-USDC", Timeframe: "1h", Signal: models.ActionBuy, Timestamp: time.Now().UTC()}
	ord := order(IdempotencyKey("BTC-USDC", "1h", dec.Timestamp, models.SideBuy), models.OrderFilled)
	fill := models.Fill{FillID: "f-1", OrderID: ord.OrderID, Symbol: "BTC-USDC", Qty: 0.1, Status: models.OrderFilled, Timestamp: dec.Timestamp}
	snap := models.PositionSnapshot{Timestamp: dec.Timestamp, Symbol: "BTC-USDC", Balance: 994}

	require.NoError(t, s.AppendRecordSet(ctx, RecordSet{
		Decision: dec,
		Order:    &ord,
		Fill:     &fill,
		Snapshot: &snap,
	}))
	require.NoError(t, s.Close())

	for _, name := range []string{decisionsJournal, ordersJournal, fillsJournal, snapshotsJournal} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NotEmpty(t, b, name)
	}

	s2 := openStore(t, dir)
	defer s2.Close()
	decs, err := s2.RecentDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, decs, 1)
	require.Equal(t, "dec-1", decs[0].ID)
}

func TestStrategyStateRoundTrip(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	_, err := s.LoadStrategyState(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	rec := StrategyStateRecord{
		Version:    3,
		Parameters: models.DefaultStrategyParameters(),
		History: []models.StrategyRevision{
			{Version: 3, Parameters: models.DefaultStrategyParameters(), Notes: "refinement", Timestamp: time.Now().UTC().Truncate(time.Millisecond)},
		},
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveStrategyState(ctx, rec))

	got, err := s.LoadStrategyState(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.Version, got.Version)
	require.Equal(t, rec.Parameters, got.Parameters)
	require.Len(t, got.History, 1)
}

func TestCorruptTailLineIsSkipped(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()
	require.NoError(t, s.AppendTrade(ctx, models.Trade{ID: "t-ok", Symbol: "BTC-USDC", Timestamp: time.Now().UTC()}))
	require.NoError(t, s.Close())

	// simulate a crash mid-append
	f, err := os.OpenFile(filepath.Join(dir, tradesJournal), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"t-torn","sym`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openStore(t, dir)
	defer s2.Close()
	all, err := s2.Trades(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "t-ok", all[0].ID)
}

func TestIdempotencyKeyShape(t *testing.T) {
	ts := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	key := IdempotencyKey("BTC-USDC", "1h", ts, models.SideBuy)
	require.Equal(t, fmt.Sprintf("BTC-USDC|1h|%d|BUY", ts.UnixMilli()), key)
}
