//go:build wireinject
// +build wireinject

package di

import (
	"papertrader/pkg/config"
	"papertrader/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient services
		ProvideLogger,
		ProvideMetrics,
		ProvideBus,

		// Storage backends
		ProvideHistoryStore,
		ProvideClickHouse,
		ProvideArchiveWriter,

		// Market data
		ProvideBinance,
		ProvideMarketData,
		ProvideStream,

		// Engine core
		ProvideLedger,
		ProvideSimulator,
		ProvideRiskManager,
		ProvideBreaker,
		ProvideStrategyState,
		ProvideRefiner,
		ProvideEngine,

		// Arbitrage
		ProvideQuoteCache,
		ProvideAdapters,
		ProvideArbitrage,

		// Event mirror
		ProvideMirror,

		// HTTP facade and application server
		ProvideHTTPHandler,
		ProvideApp,
	)
	return &server.App{}, nil
}
