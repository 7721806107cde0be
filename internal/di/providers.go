package di

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"papertrader/internal/arbitrage"
	"papertrader/internal/domain/models"
	"papertrader/internal/domain/repository"
	"papertrader/internal/engine"
	"papertrader/internal/events"
	"papertrader/internal/exchange"
	"papertrader/internal/execution"
	"papertrader/internal/handler/api"
	"papertrader/internal/history"
	"papertrader/internal/risk"
	"papertrader/internal/strategy"
	"papertrader/internal/stream"
	"papertrader/pkg/cache"
	pkgch "papertrader/pkg/clickhouse"
	"papertrader/pkg/config"
	xhttp "papertrader/pkg/http"
	pkgkafka "papertrader/pkg/kafka"
	applogger "papertrader/pkg/logger"
	"papertrader/pkg/metrics"
	"papertrader/pkg/server"
)

// ErrDatabaseUnavailable wraps a failed Postgres connection so main can
// map it to its own exit code.
var ErrDatabaseUnavailable = errors.New("database unavailable")

// ProvideLogger builds the application logger from config.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideMetrics creates the Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideBus creates the in-process event bus.
func ProvideBus() *events.Bus {
	return events.NewBus()
}

// ProvideHistoryStore selects the journal backend: Postgres when a DSN
// is configured, the append-only file store otherwise.
func ProvideHistoryStore(cfg *config.Config, log *applogger.Logger) (history.Store, error) {
	if cfg.Database.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := history.NewPostgresStore(ctx, cfg.Database.URL, log)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
		}
		return store, nil
	}
	store, err := history.NewFileStore(cfg.Database.Dir, log)
	if err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	return store, nil
}

// ProvideBinance creates the Binance adapter used for both the kline
// stream and arbitrage quotes.
func ProvideBinance(cfg *config.Config, log *applogger.Logger) *exchange.Binance {
	return exchange.NewBinance(log,
		exchange.WithBinanceBaseURL(cfg.Stream.RESTBaseURL, cfg.Stream.WSBaseURL),
	)
}

// ProvideMarketData exposes Binance as the stream's market data source.
func ProvideMarketData(b *exchange.Binance) stream.MarketData {
	return b
}

// ProvideStream creates the supervised kline stream.
func ProvideStream(
	cfg *config.Config,
	md stream.MarketData,
	bus *events.Bus,
	m repository.Metrics,
	log *applogger.Logger,
) *stream.Stream {
	return stream.New(stream.Config{
		Interval:       cfg.Engine.Timeframe,
		MaxBuffer:      cfg.Stream.MaxBuffer,
		BootstrapBars:  cfg.Stream.BootstrapBars,
		BackfillBars:   cfg.Stream.BackfillBars,
		HeartbeatEvery: cfg.Stream.Heartbeat,
		StaleAfter:     cfg.Stream.StaleAfter,
		ReconnectMin:   cfg.Stream.BackoffMin,
		ReconnectMax:   cfg.Stream.BackoffMax,
	}, md, bus, m, log)
}

// ProvideLedger creates the FIFO position ledger.
func ProvideLedger() *execution.Ledger {
	return execution.NewLedger()
}

// ProvideSimulator creates the paper fill simulator.
func ProvideSimulator(cfg *config.Config) *execution.Simulator {
	return execution.NewSimulator(cfg.Engine.PaperFeeBps / 10000)
}

// ProvideRiskManager creates the order gate and sizing layer with the
// configured account caps.
func ProvideRiskManager(cfg *config.Config, log *applogger.Logger) *risk.Manager {
	return risk.NewManager(risk.Limits{
		MaxPositionSizePct: cfg.Engine.MaxPositionSizePct,
		MaxExposurePct:     cfg.Engine.MaxExposurePct,
	}, log)
}

// ProvideBreaker creates the circuit breaker with shipped thresholds.
func ProvideBreaker() *risk.Breaker {
	return risk.NewBreaker(risk.DefaultThresholds())
}

// ProvideStrategyState seeds the parameter singleton and restores the
// last committed revision from the journal when one exists.
func ProvideStrategyState(store history.Store, log *applogger.Logger) *strategy.State {
	state := strategy.NewState(models.DefaultStrategyParameters())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := store.LoadStrategyState(ctx)
	switch {
	case err == nil:
		state.Restore(rec.Version, rec.Parameters, rec.History, rec.Warnings)
		log.Info("strategy state restored",
			applogger.Int64("version", rec.Version),
			applogger.Any("updatedAt", rec.UpdatedAt),
		)
	case errors.Is(err, history.ErrNotFound):
		log.Info("no persisted strategy state, starting at version 1")
	default:
		log.Warn("strategy state load failed, starting fresh", applogger.Error(err))
	}
	return state
}

// ProvideRefiner creates the refinement loop with the built-in
// deterministic heuristic (no external advisor configured).
func ProvideRefiner(state *strategy.State, log *applogger.Logger) *strategy.Refiner {
	return strategy.NewRefiner(state, nil, log)
}

// ProvideEngine assembles the trading engine.
func ProvideEngine(
	cfg *config.Config,
	st *stream.Stream,
	store history.Store,
	ledger *execution.Ledger,
	sim *execution.Simulator,
	rm *risk.Manager,
	breaker *risk.Breaker,
	state *strategy.State,
	refiner *strategy.Refiner,
	bus *events.Bus,
	m repository.Metrics,
	log *applogger.Logger,
) *engine.Engine {
	return engine.New(engine.Config{
		Symbols:             cfg.Engine.Symbols,
		Timeframe:           cfg.Engine.Timeframe,
		InitialBalance:      cfg.Engine.InitialBalance,
		StaleData:           time.Duration(cfg.Engine.StaleDataMs) * time.Millisecond,
		TickEvery:           cfg.Engine.TickInterval,
		RefineEvery:         cfg.Engine.RefinementInterval,
		AutoPaper:           cfg.Engine.AutoPaper,
		ConfidenceThreshold: cfg.Engine.ConfidenceThreshold,
	}, st, store, ledger, sim, rm, breaker, state, refiner, bus, m, log)
}

// ProvideQuoteCache builds the arbitrage quote cache: layered over Redis
// when configured, in-process memory otherwise.
func ProvideQuoteCache(cfg *config.Config) (cache.Service, error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache(), nil
	}
	host, portStr, err := net.SplitHostPort(cfg.Redis.Addr)
	if err != nil {
		return nil, fmt.Errorf("redis addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("redis port: %w", err)
	}
	redis, err := cache.NewRedisCache(
		cache.WithRedisHost(host),
		cache.WithRedisPort(port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPrefix("papertrader"),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return cache.NewLayeredCache(redis), nil
}

// ProvideAdapters lists every venue the arbitrage scanner queries.
func ProvideAdapters(cfg *config.Config, b *exchange.Binance, log *applogger.Logger) []exchange.Adapter {
	adapters := []exchange.Adapter{
		b,
		exchange.NewBybit(log),
	}
	kucoinOpts := []exchange.KuCoinOption{}
	if cfg.KuCoin.APIKey != "" {
		kucoinOpts = append(kucoinOpts, exchange.WithKuCoinCredentials(exchange.KuCoinCredentials{
			Key:        cfg.KuCoin.APIKey,
			Secret:     cfg.KuCoin.APISecret,
			Passphrase: cfg.KuCoin.APIPassphrase,
		}))
	}
	return append(adapters, exchange.NewKuCoin(log, kucoinOpts...))
}

// ProvideArbitrage assembles the cross-venue scanner.
func ProvideArbitrage(
	cfg *config.Config,
	adapters []exchange.Adapter,
	quotes cache.Service,
	store history.Store,
	bus *events.Bus,
	m repository.Metrics,
	log *applogger.Logger,
) *arbitrage.Orchestrator {
	return arbitrage.New(arbitrage.Config{
		Symbols:       cfg.Engine.Symbols,
		NotionalUSD:   cfg.Arbitrage.NotionalUSD,
		MinEdgePct:    cfg.Engine.MinExpectedEdge,
		SlippagePct:   cfg.Engine.PaperSlippageBps / 10000,
		LatencyBuffer: cfg.Arbitrage.LatencyBuffer,
		ScanInterval:  cfg.Arbitrage.ScanInterval,
		QuoteTTL:      cfg.Arbitrage.QuoteCacheTTL,
	}, adapters, quotes, store, bus, m, log)
}

// ProvideMirror creates the Kafka event mirror, or nil when no brokers
// are configured.
func ProvideMirror(cfg *config.Config, log *applogger.Logger) (*events.Mirror, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithTimeouts(cfg.Kafka.WriteTimeout, cfg.Kafka.WriteTimeout),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return events.NewMirror(producer, cfg.Kafka.Topic, log), nil
}

// ProvideClickHouse creates the archive client and applies the candle
// schema, or returns nil when the archive is disabled.
func ProvideClickHouse(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, history.ArchiveSchema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideArchiveWriter wires the candle archive to the event bus, or
// returns nil when ClickHouse is disabled.
func ProvideArchiveWriter(ch *pkgch.Client, cfg *config.Config, log *applogger.Logger) *history.ArchiveWriter {
	if ch == nil {
		return nil
	}
	return history.NewArchiveWriter(history.NewCandleArchive(ch, log), cfg.ClickHouse.Database, log)
}

// ProvideHTTPHandler builds the engine API handler.
func ProvideHTTPHandler(log *applogger.Logger, eng *engine.Engine, store history.Store) xhttp.Handler {
	return api.NewEngineHandler(log, eng, store)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	log *applogger.Logger,
	eng *engine.Engine,
	arb *arbitrage.Orchestrator,
	mirror *events.Mirror,
	archive *history.ArchiveWriter,
	ch *pkgch.Client,
	store history.Store,
	bus *events.Bus,
	handler xhttp.Handler,
) *server.App {
	return server.New(cfg, log, eng, arb, mirror, archive, ch, store, bus, handler)
}
