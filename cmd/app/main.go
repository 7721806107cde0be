package main

import (
	"errors"
	"flag"
	"log"
	"os"

	"papertrader/internal/di"
	"papertrader/pkg/config"
	"papertrader/pkg/server"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 database
// unreachable, 130 interrupted by signal.
func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Printf("config load failed: %v", err)
		os.Exit(1)
	}

	log.Printf("env=%s mode=%s symbols=%v timeframe=%s",
		cfg.Environment, cfg.Engine.Mode, cfg.Engine.Symbols, cfg.Engine.Timeframe)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Printf("app initialization failed: %v", err)
		if errors.Is(err, di.ErrDatabaseUnavailable) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		if errors.Is(err, server.ErrInterrupted) {
			os.Exit(130)
		}
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
