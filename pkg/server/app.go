package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"papertrader/internal/arbitrage"
	"papertrader/internal/engine"
	"papertrader/internal/events"
	"papertrader/internal/history"
	pkgch "papertrader/pkg/clickhouse"
	"papertrader/pkg/config"
	xhttp "papertrader/pkg/http"
	applogger "papertrader/pkg/logger"
)

// ErrInterrupted reports that Run stopped because of SIGINT/SIGTERM.
// The engine shut down cleanly; callers map it to exit code 130.
var ErrInterrupted = errors.New("interrupted by signal")

// App encapsulates the entire application lifecycle: the trading engine,
// the arbitrage scanner, the HTTP facade and the optional mirrors.
type App struct {
	cfg     *config.Config
	log     *applogger.Logger
	engine  *engine.Engine
	arb     *arbitrage.Orchestrator
	mirror  *events.Mirror
	archive *history.ArchiveWriter
	ch      *pkgch.Client
	store   history.Store
	bus     *events.Bus

	httpServer  *xhttp.Server
	httpHandler xhttp.Handler
}

// New creates the App. mirror, archive and ch may be nil when the
// corresponding backend is not configured.
func New(
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
) *App {
	return &App{
		cfg:         cfg,
		log:         log,
		engine:      eng,
		arb:         arb,
		mirror:      mirror,
		archive:     archive,
		ch:          ch,
		store:       store,
		bus:         bus,
		httpHandler: handler,
	}
}

// Run starts every component and blocks until a shutdown signal arrives
// or the engine fails. The bus listener set is frozen here, before the
// first publish.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.mirror != nil {
		a.mirror.Attach(a.bus)
		a.log.Info("kafka event mirror attached",
			applogger.Strings("brokers", a.cfg.Kafka.Brokers),
			applogger.String("topic", a.cfg.Kafka.Topic),
		)
	}
	if a.archive != nil {
		a.archive.Attach(a.bus)
		go a.archive.Run(ctx)
		a.log.Info("candle archive attached", applogger.String("database", a.cfg.ClickHouse.Database))
	}
	a.bus.Seal()

	engineDone := make(chan error, 1)
	go func() { engineDone <- a.engine.Run(ctx) }()
	a.log.Info("engine started",
		applogger.Strings("symbols", a.cfg.Engine.Symbols),
		applogger.String("timeframe", a.cfg.Engine.Timeframe),
		applogger.Bool("autoPaper", a.cfg.Engine.AutoPaper),
	)

	if a.arb != nil && a.cfg.Arbitrage.Enabled {
		go a.arb.Run(ctx)
		a.log.Info("arbitrage scanner started",
			applogger.Duration("scanInterval", a.cfg.Arbitrage.ScanInterval),
		)
	}

	a.httpServer = xhttp.NewServer(a.httpHandler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithCORSOrigin(a.cfg.Server.CORSOrigin),
		xhttp.WithLogger(a.log),
	)
	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		cancel()
		<-engineDone
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		a.log.Info("shutdown signal received", applogger.String("signal", sig.String()))
		runErr = ErrInterrupted
		cancel()
		if err := <-engineDone; err != nil {
			a.log.Warn("engine shutdown error", applogger.Error(err))
		}
	case err := <-engineDone:
		if err != nil {
			a.log.Error("engine stopped", applogger.Error(err))
			runErr = err
		}
		cancel()
	}

	a.shutdown()
	return runErr
}

// shutdown stops the HTTP server and closes the backends. The engine
// has already drained by the time this runs.
func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Stop(shutdownCtx); err != nil {
			a.log.Error("http shutdown error", applogger.Error(err))
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.log.Warn("kafka mirror close error", applogger.Error(err))
		}
	}
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("history store close error", applogger.Error(err))
	}
	a.log.Info("shutdown complete")
}
