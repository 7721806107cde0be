package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"papertrader/internal/domain/models"
	"papertrader/pkg/logger"
)

// pgErrUniqueViolation is the unique_violation class.
const pgErrUniqueViolation = "23505"

// PostgresStore is the hosted-mode journal backend. Every journal is an
// append-only table; the idempotency contract is a partial unique index
// over non-SKIPPED orders, so the database is the source of truth even
// across concurrently running engines.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string, log *logger.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, log: log}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("history postgres store ready")
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id            TEXT PRIMARY KEY,
			ts            TIMESTAMPTZ NOT NULL,
			symbol        TEXT NOT NULL,
			timeframe     TEXT NOT NULL,
			inputs_hash   TEXT NOT NULL,
			signal        TEXT NOT NULL,
			confidence    DOUBLE PRECISION NOT NULL,
			regime        TEXT NOT NULL,
			reasons       JSONB NOT NULL DEFAULT '[]',
			model_version BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS decisions_ts_idx ON decisions (ts DESC)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id        TEXT PRIMARY KEY,
			decision_id     TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			side            TEXT NOT NULL,
			qty             DOUBLE PRECISION NOT NULL,
			requested_price DOUBLE PRECISION NOT NULL,
			status          TEXT NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			ts              TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS orders_idem_key_idx
			ON orders (idempotency_key) WHERE status <> 'SKIPPED'`,
		`CREATE TABLE IF NOT EXISTS fills (
			fill_id   TEXT PRIMARY KEY,
			order_id  TEXT NOT NULL,
			symbol    TEXT NOT NULL,
			avg_price DOUBLE PRECISION NOT NULL,
			qty       DOUBLE PRECISION NOT NULL,
			fees      DOUBLE PRECISION NOT NULL,
			status    TEXT NOT NULL,
			ts        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id           TEXT PRIMARY KEY,
			symbol       TEXT NOT NULL,
			side         TEXT NOT NULL,
			price        DOUBLE PRECISION NOT NULL,
			amount       DOUBLE PRECISION NOT NULL,
			ts           TIMESTAMPTZ NOT NULL,
			fee          DOUBLE PRECISION NOT NULL,
			pnl          DOUBLE PRECISION,
			r_multiple   DOUBLE PRECISION,
			exit_reason  TEXT NOT NULL DEFAULT '',
			simulation   JSONB NOT NULL DEFAULT '{}',
			decision_id  TEXT NOT NULL DEFAULT '',
			arbitrage_id TEXT NOT NULL DEFAULT '',
			setup_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
			atr_pct      DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS trades_ts_idx ON trades (ts DESC)`,
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			ts                    TIMESTAMPTZ NOT NULL,
			symbol                TEXT NOT NULL,
			balance               DOUBLE PRECISION NOT NULL,
			position_size         DOUBLE PRECISION NOT NULL,
			avg_entry_price       DOUBLE PRECISION NOT NULL,
			total_portfolio_value DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS strategy_state (
			id         TEXT PRIMARY KEY,
			version    BIGINT NOT NULL,
			state      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init history schema: %w", err)
		}
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) AppendDecision(ctx context.Context, d models.Decision) error {
	return insertDecision(ctx, s.pool, d)
}

func insertDecision(ctx context.Context, db execer, d models.Decision) error {
	reasons, err := json.Marshal(d.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO decisions (id, ts, symbol, timeframe, inputs_hash, signal, confidence, regime, reasons, model_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.Timestamp, d.Symbol, d.Timeframe, d.InputsHash, d.Signal, d.Confidence, d.Regime, reasons, d.ModelVersion,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendOrder(ctx context.Context, o models.Order) error {
	return insertOrder(ctx, s.pool, o)
}

func insertOrder(ctx context.Context, db execer, o models.Order) error {
	_, err := db.Exec(ctx, `
		INSERT INTO orders (order_id, decision_id, idempotency_key, symbol, side, qty, requested_price, status, reason, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.OrderID, o.DecisionID, o.IdempotencyKey, o.Symbol, o.Side, o.Qty, o.RequestedPrice, o.Status, o.Reason, o.Timestamp,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendFill(ctx context.Context, f models.Fill) error {
	return insertFill(ctx, s.pool, f)
}

func insertFill(ctx context.Context, db execer, f models.Fill) error {
	_, err := db.Exec(ctx, `
		INSERT INTO fills (fill_id, order_id, symbol, avg_price, qty, fees, status, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.FillID, f.OrderID, f.Symbol, f.AvgPrice, f.Qty, f.Fees, f.Status, f.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTrade(ctx context.Context, t models.Trade) error {
	return insertTrade(ctx, s.pool, t)
}

func insertTrade(ctx context.Context, db execer, t models.Trade) error {
	sim, err := json.Marshal(t.Simulation)
	if err != nil {
		return fmt.Errorf("marshal simulation: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO trades (id, symbol, side, price, amount, ts, fee, pnl, r_multiple, exit_reason, simulation, decision_id, arbitrage_id, setup_score, atr_pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.Symbol, t.Side, t.Price, t.Amount, t.Timestamp, t.Fee, t.PnL, t.RMultiple, t.ExitReason, sim, t.DecisionID, t.ArbitrageID, t.SetupScore, t.ATRPct,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap models.PositionSnapshot) error {
	return insertSnapshot(ctx, s.pool, snap)
}

func insertSnapshot(ctx context.Context, db execer, snap models.PositionSnapshot) error {
	_, err := db.Exec(ctx, `
		INSERT INTO position_snapshots (ts, symbol, balance, position_size, avg_entry_price, total_portfolio_value)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.Timestamp, snap.Symbol, snap.Balance, snap.PositionSize, snap.AvgEntryPrice, snap.TotalPortfolioValue,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// AppendRecordSet writes one tick's records in a single transaction.
func (s *PostgresStore) AppendRecordSet(ctx context.Context, set RecordSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin record set: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertDecision(ctx, tx, set.Decision); err != nil {
		return err
	}
	if set.Order != nil {
		if err := insertOrder(ctx, tx, *set.Order); err != nil {
			return err
		}
	}
	if set.Fill != nil {
		if err := insertFill(ctx, tx, *set.Fill); err != nil {
			return err
		}
	}
	if set.Trade != nil {
		if err := insertTrade(ctx, tx, *set.Trade); err != nil {
			return err
		}
	}
	if set.Snapshot != nil {
		if err := insertSnapshot(ctx, tx, *set.Snapshot); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit record set: %w", err)
	}
	return nil
}

func (s *PostgresStore) OrderByIdempotencyKey(ctx context.Context, key string) (models.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT order_id, decision_id, idempotency_key, symbol, side, qty, requested_price, status, reason, ts
		FROM orders
		WHERE idempotency_key = $1 AND status <> 'SKIPPED'
		ORDER BY ts DESC
		LIMIT 1`, key)

	var o models.Order
	err := row.Scan(&o.OrderID, &o.DecisionID, &o.IdempotencyKey, &o.Symbol, &o.Side, &o.Qty, &o.RequestedPrice, &o.Status, &o.Reason, &o.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, ErrNotFound
		}
		return models.Order{}, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, tradeColumns+` ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) Trades(ctx context.Context) ([]models.Trade, error) {
	rows, err := s.pool.Query(ctx, tradeColumns+` ORDER BY ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("all trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

const tradeColumns = `
	SELECT id, symbol, side, price, amount, ts, fee, pnl, r_multiple, exit_reason, simulation, decision_id, arbitrage_id, setup_score, atr_pct
	FROM trades`

func scanTrades(rows pgx.Rows) ([]models.Trade, error) {
	var out []models.Trade
	for rows.Next() {
		var t models.Trade
		var sim []byte
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Price, &t.Amount, &t.Timestamp, &t.Fee, &t.PnL, &t.RMultiple, &t.ExitReason, &sim, &t.DecisionID, &t.ArbitrageID, &t.SetupScore, &t.ATRPct); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if len(sim) > 0 {
			if err := json.Unmarshal(sim, &t.Simulation); err != nil {
				return nil, fmt.Errorf("decode simulation: %w", err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RecentOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, decision_id, idempotency_key, symbol, side, qty, requested_price, status, reason, ts
		FROM orders
		ORDER BY ts DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.OrderID, &o.DecisionID, &o.IdempotencyKey, &o.Symbol, &o.Side, &o.Qty, &o.RequestedPrice, &o.Status, &o.Reason, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RecentDecisions(ctx context.Context, limit int) ([]models.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, symbol, timeframe, inputs_hash, signal, confidence, regime, reasons, model_version
		FROM decisions
		ORDER BY ts DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	defer rows.Close()

	var out []models.Decision
	for rows.Next() {
		var d models.Decision
		var reasons []byte
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.Symbol, &d.Timeframe, &d.InputsHash, &d.Signal, &d.Confidence, &d.Regime, &reasons, &d.ModelVersion); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &d.Reasons); err != nil {
				return nil, fmt.Errorf("decode reasons: %w", err)
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

// SaveStrategyState upserts the singleton row.
func (s *PostgresStore) SaveStrategyState(ctx context.Context, rec StrategyStateRecord) error {
	state, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal strategy state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO strategy_state (id, version, state, updated_at)
		VALUES ('singleton', $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET version = $1, state = $2, updated_at = $3`,
		rec.Version, state, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save strategy state: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadStrategyState(ctx context.Context) (StrategyStateRecord, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM strategy_state WHERE id = 'singleton'`).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StrategyStateRecord{}, ErrNotFound
		}
		return StrategyStateRecord{}, fmt.Errorf("load strategy state: %w", err)
	}
	var rec StrategyStateRecord
	if err := json.Unmarshal(state, &rec); err != nil {
		return StrategyStateRecord{}, fmt.Errorf("decode strategy state: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
