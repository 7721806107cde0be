package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"papertrader/internal/domain/models"
	pkgch "papertrader/pkg/clickhouse"
	"papertrader/pkg/logger"
)

// CandleArchive persists every closed bar to ClickHouse for offline
// analysis and for warm restarts that outlive the in-memory ring. The
// trading path never blocks on it; writes are fire-and-forget from the
// stream's point of view.
type CandleArchive struct {
	db  *sql.DB
	log *logger.Logger
}

func NewCandleArchive(ch *pkgch.Client, log *logger.Logger) *CandleArchive {
	return &CandleArchive{db: ch.DB(), log: log}
}

// ArchiveSchema returns the idempotent DDL for the candle table. The
// ReplacingMergeTree keyed on (symbol, interval, open_time) makes the
// stream's backfill upserts safe to replay.
func ArchiveSchema(database string) []string {
	return []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.candles (
			symbol     LowCardinality(String),
			interval   LowCardinality(String),
			open_time  DateTime64(3),
			close_time DateTime64(3),
			open       Float64,
			high       Float64,
			low        Float64,
			close      Float64,
			volume     Float64
		) ENGINE = ReplacingMergeTree()
		ORDER BY (symbol, interval, open_time)`, database),
	}
}

// InsertBatch writes closed candles in chunks of up to 2000 rows.
func (a *CandleArchive) InsertBatch(ctx context.Context, database string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	start := time.Now()
	const chunkSize = 2000
	for lo := 0; lo < len(candles); lo += chunkSize {
		hi := lo + chunkSize
		if hi > len(candles) {
			hi = len(candles)
		}
		values := make([]string, 0, hi-lo)
		args := make([]any, 0, (hi-lo)*9)
		for _, c := range candles[lo:hi] {
			if c.Symbol == "" || c.OpenTime <= 0 {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				c.Symbol,
				c.Interval,
				time.UnixMilli(c.OpenTime),
				time.UnixMilli(c.CloseTime),
				c.Open,
				c.High,
				c.Low,
				c.Close,
				c.Volume,
			)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf(
			"INSERT INTO %s.candles (symbol, interval, open_time, close_time, open, high, low, close, volume) VALUES %s",
			database, strings.Join(values, ","),
		)
		if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
			a.log.Error("candle archive insert failed",
				logger.String("database", database),
				logger.Int("rows", len(values)),
				logger.Error(err),
			)
			return fmt.Errorf("archive candles: %w", err)
		}
	}
	a.log.Debug("candle archive insert ok",
		logger.Int("rows", len(candles)),
		logger.Duration("duration_ms", time.Since(start)),
	)
	return nil
}

// LatestN returns the newest n archived candles for the symbol and
// interval, oldest first, for indicator warm-up when the venue's REST
// history is unavailable.
func (a *CandleArchive) LatestN(ctx context.Context, database, symbol, interval string, n int) ([]models.Candle, error) {
	q := fmt.Sprintf(`
		SELECT symbol, interval, open_time, close_time, open, high, low, close, volume
		FROM %s.candles FINAL
		WHERE symbol = ? AND interval = ?
		ORDER BY open_time DESC
		LIMIT ?`, database)

	rows, err := a.db.QueryContext(ctx, q, symbol, interval, n)
	if err != nil {
		return nil, fmt.Errorf("archive latest candles: %w", err)
	}
	defer rows.Close()

	tmp := make([]models.Candle, 0, n)
	for rows.Next() {
		var c models.Candle
		var openTime, closeTime time.Time
		if err := rows.Scan(&c.Symbol, &c.Interval, &openTime, &closeTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan archived candle: %w", err)
		}
		c.OpenTime = openTime.UnixMilli()
		c.CloseTime = closeTime.UnixMilli()
		c.Closed = true
		tmp = append(tmp, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived candles: %w", err)
	}
	for i, j := 0, len(tmp)-1; i < j; i, j = i+1, j-1 {
		tmp[i], tmp[j] = tmp[j], tmp[i]
	}
	return tmp, nil
}

// Health pings the archive connection.
func (a *CandleArchive) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}
