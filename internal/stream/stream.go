package stream

import (
	"context"
	"sync"
	"time"

	"papertrader/internal/domain/models"
	"papertrader/internal/domain/repository"
	"papertrader/internal/events"
	"papertrader/pkg/logger"
)

// MarketData is the venue surface the stream consumes: REST kline
// history and a push feed of bar updates. The feed delivers partial
// updates for the trailing bar and exactly one update with Closed=true
// per finished bar.
type MarketData interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	StreamKlines(ctx context.Context, symbol, interval string) (<-chan models.Candle, <-chan error, error)
}

// Handler is invoked once per closed bar, on the stream's goroutine.
type Handler func(symbol string, c models.Candle)

// Config tunes one Stream instance. Zero values take the defaults.
type Config struct {
	Interval       string
	MaxBuffer      int
	BootstrapBars  int
	BackfillBars   int
	HeartbeatEvery time.Duration
	StaleAfter     time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == "" {
		c.Interval = "1h"
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 500
	}
	if c.BootstrapBars <= 0 || c.BootstrapBars > 500 {
		c.BootstrapBars = 500
	}
	if c.BackfillBars <= 0 {
		c.BackfillBars = 20
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 20 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

type symbolState struct {
	ring     *Ring
	unstable bool
	lastMsg  time.Time
	// newest bar open time already delivered to the handler
	lastDelivered int64
}

// Stream maintains one kline subscription per symbol with heartbeat
// supervision, exponential reconnect and REST backfill.
type Stream struct {
	cfg     Config
	md      MarketData
	bus     *events.Bus
	log     *logger.Logger
	metrics repository.Metrics

	mu      sync.RWMutex
	symbols map[string]*symbolState
	wg      sync.WaitGroup

	now func() time.Time
}

func New(cfg Config, md MarketData, bus *events.Bus, m repository.Metrics, log *logger.Logger) *Stream {
	return &Stream{
		cfg:     cfg.withDefaults(),
		md:      md,
		bus:     bus,
		log:     log,
		metrics: m,
		symbols: make(map[string]*symbolState),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Stream) state(symbol string) *symbolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.symbols[symbol]
	if st == nil {
		st = &symbolState{ring: NewRing(s.cfg.MaxBuffer), lastMsg: s.now()}
		s.symbols[symbol] = st
	}
	return st
}

// Bootstrap seeds the symbol's ring from REST history.
func (s *Stream) Bootstrap(ctx context.Context, symbol string) error {
	st := s.state(symbol)
	candles, err := s.md.Klines(ctx, symbol, s.cfg.Interval, s.cfg.BootstrapBars)
	if err != nil {
		s.setUnstable(symbol, true)
		s.metrics.RecordError("bootstrap")
		return err
	}
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			s.log.Warn("dropping invalid bootstrap bar", logger.String("symbol", symbol), logger.Error(err))
			continue
		}
		st.ring.Upsert(c)
	}
	s.mu.Lock()
	if last, ok := st.ring.LastClosed(); ok {
		st.lastDelivered = last.OpenTime
	}
	s.mu.Unlock()
	s.log.Info("stream bootstrap complete",
		logger.String("symbol", symbol),
		logger.String("interval", s.cfg.Interval),
		logger.Int("bars", st.ring.Len()),
	)
	return nil
}

// Subscribe runs the supervised read loop until ctx is cancelled.
func (s *Stream) Subscribe(ctx context.Context, symbol string, handler Handler) {
	st := s.state(symbol)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, symbol, st, handler)
	}()
}

// Wait blocks until every subscription loop has exited.
func (s *Stream) Wait() { s.wg.Wait() }

func (s *Stream) run(ctx context.Context, symbol string, st *symbolState, handler Handler) {
	delay := s.cfg.ReconnectMin
	firstAttach := true
	for {
		if ctx.Err() != nil {
			return
		}

		connCtx, cancelConn := context.WithCancel(ctx)
		msgs, errs, err := s.md.StreamKlines(connCtx, symbol, s.cfg.Interval)
		if err != nil {
			cancelConn()
			s.setUnstable(symbol, true)
			s.metrics.RecordError("stream_connect")
			s.log.Warn("stream connect failed",
				logger.String("symbol", symbol),
				logger.Duration("retry_in", delay),
				logger.Error(err),
			)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay, s.cfg.ReconnectMax)
			continue
		}

		if !firstAttach {
			s.backfill(ctx, symbol, st, handler)
		}
		firstAttach = false
		s.setUnstable(symbol, false)
		s.touch(st)
		delay = s.cfg.ReconnectMin

		s.readLoop(ctx, symbol, st, handler, msgs, errs)
		cancelConn()

		if ctx.Err() != nil {
			return
		}
		s.setUnstable(symbol, true)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextDelay(delay, s.cfg.ReconnectMax)
	}
}

// readLoop consumes one connection until it breaks or goes stale.
func (s *Stream) readLoop(ctx context.Context, symbol string, st *symbolState, handler Handler, msgs <-chan models.Candle, errs <-chan error) {
	heartbeat := time.NewTicker(s.cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-msgs:
			if !ok {
				return
			}
			s.touch(st)
			s.accept(symbol, st, c, handler)
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.metrics.RecordError("stream_read")
			s.log.Warn("stream read error", logger.String("symbol", symbol), logger.Error(err))
			return
		case <-heartbeat.C:
			if s.sinceLastMsg(st) > s.cfg.StaleAfter {
				s.log.Warn("stream stale, forcing reconnect",
					logger.String("symbol", symbol),
					logger.Duration("silence", s.sinceLastMsg(st)),
				)
				return
			}
		}
	}
}

// accept validates one bar, updates the ring and delivers closes.
func (s *Stream) accept(symbol string, st *symbolState, c models.Candle, handler Handler) {
	if err := c.Validate(); err != nil {
		s.metrics.RecordError("invalid_bar")
		s.log.Warn("dropping invalid bar", logger.String("symbol", symbol), logger.Error(err))
		return
	}
	st.ring.Upsert(c)
	if c.Closed {
		s.deliver(symbol, st, c, handler)
	}
}

// deliver invokes the handler at most once per closed bar.
func (s *Stream) deliver(symbol string, st *symbolState, c models.Candle, handler Handler) {
	s.mu.Lock()
	if c.OpenTime <= st.lastDelivered {
		s.mu.Unlock()
		return
	}
	st.lastDelivered = c.OpenTime
	s.mu.Unlock()

	lagMs := s.now().UnixMilli() - c.CloseTime
	s.metrics.RecordStreamLag(symbol, float64(lagMs))
	s.metrics.RecordLastPrice(symbol, c.Close)
	s.bus.Publish(events.Event{
		Kind:   events.KindMarketUpdate,
		Symbol: symbol,
		Payload: events.MarketUpdate{
			Symbol:        symbol,
			LagMs:         lagMs,
			CandleCloseTs: c.CloseTime,
			Close:         c.Close,
			Candle:        c,
		},
	})
	if handler != nil {
		handler(symbol, c)
	}
}

// backfill reconciles closes missed while disconnected.
func (s *Stream) backfill(ctx context.Context, symbol string, st *symbolState, handler Handler) {
	candles, err := s.md.Klines(ctx, symbol, s.cfg.Interval, s.cfg.BackfillBars)
	if err != nil {
		s.metrics.RecordError("backfill")
		s.log.Warn("backfill failed, continuing on buffer",
			logger.String("symbol", symbol),
			logger.Error(err),
		)
		return
	}
	recovered := 0
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			continue
		}
		st.ring.Upsert(c)
		if c.Closed {
			s.mu.RLock()
			missed := c.OpenTime > st.lastDelivered
			s.mu.RUnlock()
			if missed {
				recovered++
				s.deliver(symbol, st, c, handler)
			}
		}
	}
	if recovered > 0 {
		s.log.Info("backfill recovered missed closes",
			logger.String("symbol", symbol),
			logger.Int("bars", recovered),
		)
	}
}

// Buffer returns the symbol's buffered bars, oldest first.
func (s *Stream) Buffer(symbol string) []models.Candle {
	s.mu.RLock()
	st := s.symbols[symbol]
	s.mu.RUnlock()
	if st == nil {
		return nil
	}
	return st.ring.Candles()
}

// ClosedBars returns only the closed bars for indicator replay.
func (s *Stream) ClosedBars(symbol string) []models.Candle {
	s.mu.RLock()
	st := s.symbols[symbol]
	s.mu.RUnlock()
	if st == nil {
		return nil
	}
	return st.ring.Closed()
}

// IsUnstable reports whether the symbol's feed is degraded.
func (s *Stream) IsUnstable(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.symbols[symbol]
	if st == nil {
		return true
	}
	return st.unstable || s.now().Sub(st.lastMsg) > s.cfg.StaleAfter
}

func (s *Stream) setUnstable(symbol string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.symbols[symbol]; st != nil {
		st.unstable = v
	}
}

func (s *Stream) touch(st *symbolState) {
	s.mu.Lock()
	st.lastMsg = s.now()
	s.mu.Unlock()
}

func (s *Stream) sinceLastMsg(st *symbolState) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().Sub(st.lastMsg)
}

func nextDelay(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
