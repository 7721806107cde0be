package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"papertrader/internal/domain/models"
	"papertrader/pkg/logger"
)

const (
	decisionsJournal = "decisions.jsonl"
	ordersJournal    = "orders.jsonl"
	fillsJournal     = "fills.jsonl"
	tradesJournal    = "trades.jsonl"
	snapshotsJournal = "snapshots.jsonl"
	strategyFile     = "strategy_state.json"
)

// FileStore keeps one JSONL journal per record kind under a data
// directory. Appends are line-buffered and fsynced, so a crash never
// leaves a torn record visible to the next start.
type FileStore struct {
	mu  sync.Mutex
	dir string
	log *logger.Logger

	journals map[string]*journal

	// rebuilt from the journals at open
	idemIndex map[string]models.Order
	orders    []models.Order
	trades    []models.Trade
	decisions []models.Decision
}

type journal struct {
	f *os.File
	w *bufio.Writer
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string, log *logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	s := &FileStore{
		dir:       dir,
		log:       log,
		journals:  make(map[string]*journal),
		idemIndex: make(map[string]models.Order),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	for _, name := range []string{decisionsJournal, ordersJournal, fillsJournal, tradesJournal, snapshotsJournal} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open journal %s: %w", name, err)
		}
		s.journals[name] = &journal{f: f, w: bufio.NewWriter(f)}
	}
	log.Info("history file store ready",
		logger.String("dir", dir),
		logger.Int("orders_indexed", len(s.idemIndex)),
		logger.Int("trades", len(s.trades)),
	)
	return s, nil
}

// replay rebuilds the idempotency index and in-memory tails from disk.
// Torn trailing lines (a crash mid-append) are skipped with a warning.
func (s *FileStore) replay() error {
	if err := readLines(filepath.Join(s.dir, ordersJournal), s.log, func(line []byte) error {
		var o models.Order
		if err := json.Unmarshal(line, &o); err != nil {
			return err
		}
		if o.Status != models.OrderSkipped && o.IdempotencyKey != "" {
			s.idemIndex[o.IdempotencyKey] = o
		}
		s.orders = append(s.orders, o)
		return nil
	}); err != nil {
		return err
	}
	if err := readLines(filepath.Join(s.dir, tradesJournal), s.log, func(line []byte) error {
		var t models.Trade
		if err := json.Unmarshal(line, &t); err != nil {
			return err
		}
		s.trades = append(s.trades, t)
		return nil
	}); err != nil {
		return err
	}
	return readLines(filepath.Join(s.dir, decisionsJournal), s.log, func(line []byte) error {
		var d models.Decision
		if err := json.Unmarshal(line, &d); err != nil {
			return err
		}
		s.decisions = append(s.decisions, d)
		return nil
	})
}

func readLines(path string, log *logger.Logger, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			log.Warn("skipping corrupt journal line",
				logger.String("file", filepath.Base(path)),
				logger.Error(err),
			)
		}
	}
	return sc.Err()
}

// append writes one record and forces it to disk before returning.
func (s *FileStore) append(name string, v any) error {
	j := s.journals[name]
	if j == nil {
		return fmt.Errorf("journal %s is closed", name)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", name, err)
	}
	if _, err := j.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", name, err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) AppendDecision(ctx context.Context, d models.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendDecisionLocked(d)
}

func (s *FileStore) appendDecisionLocked(d models.Decision) error {
	if err := s.append(decisionsJournal, d); err != nil {
		return err
	}
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *FileStore) AppendOrder(ctx context.Context, o models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendOrderLocked(o)
}

func (s *FileStore) appendOrderLocked(o models.Order) error {
	if o.Status != models.OrderSkipped && o.IdempotencyKey != "" {
		if _, exists := s.idemIndex[o.IdempotencyKey]; exists {
			return ErrDuplicateKey
		}
	}
	if err := s.append(ordersJournal, o); err != nil {
		return err
	}
	if o.Status != models.OrderSkipped && o.IdempotencyKey != "" {
		s.idemIndex[o.IdempotencyKey] = o
	}
	s.orders = append(s.orders, o)
	return nil
}

func (s *FileStore) AppendFill(ctx context.Context, f models.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(fillsJournal, f)
}

func (s *FileStore) AppendTrade(ctx context.Context, t models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTradeLocked(t)
}

func (s *FileStore) appendTradeLocked(t models.Trade) error {
	if err := s.append(tradesJournal, t); err != nil {
		return err
	}
	s.trades = append(s.trades, t)
	return nil
}

func (s *FileStore) AppendSnapshot(ctx context.Context, snap models.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(snapshotsJournal, snap)
}

func (s *FileStore) AppendRecordSet(ctx context.Context, set RecordSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendDecisionLocked(set.Decision); err != nil {
		return err
	}
	if set.Order != nil {
		if err := s.appendOrderLocked(*set.Order); err != nil {
			return err
		}
	}
	if set.Fill != nil {
		if err := s.append(fillsJournal, *set.Fill); err != nil {
			return err
		}
	}
	if set.Trade != nil {
		if err := s.appendTradeLocked(*set.Trade); err != nil {
			return err
		}
	}
	if set.Snapshot != nil {
		if err := s.append(snapshotsJournal, *set.Snapshot); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) OrderByIdempotencyKey(ctx context.Context, key string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.idemIndex[key]
	if !ok {
		return models.Order{}, ErrNotFound
	}
	return o, nil
}

func (s *FileStore) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.trades, limit), nil
}

func (s *FileStore) RecentOrders(ctx context.Context, limit int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.orders, limit), nil
}

func (s *FileStore) RecentDecisions(ctx context.Context, limit int) ([]models.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.decisions, limit), nil
}

func (s *FileStore) Trades(ctx context.Context) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Trade, len(s.trades))
	copy(out, s.trades)
	return out, nil
}

// newestFirst copies up to limit elements from the tail, reversed.
func newestFirst[T any](in []T, limit int) []T {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	out := make([]T, 0, limit)
	for i := len(in) - 1; i >= len(in)-limit; i-- {
		out = append(out, in[i])
	}
	return out
}

// SaveStrategyState writes the singleton atomically via rename.
func (s *FileStore) SaveStrategyState(ctx context.Context, rec StrategyStateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal strategy state: %w", err)
	}
	tmp := filepath.Join(s.dir, strategyFile+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write strategy state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, strategyFile)); err != nil {
		return fmt.Errorf("commit strategy state: %w", err)
	}
	return nil
}

func (s *FileStore) LoadStrategyState(ctx context.Context) (StrategyStateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(filepath.Join(s.dir, strategyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return StrategyStateRecord{}, ErrNotFound
		}
		return StrategyStateRecord{}, fmt.Errorf("read strategy state: %w", err)
	}
	var rec StrategyStateRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return StrategyStateRecord{}, fmt.Errorf("decode strategy state: %w", err)
	}
	return rec, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, j := range s.journals {
		if err := j.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := j.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := j.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.journals, name)
	}
	return firstErr
}
