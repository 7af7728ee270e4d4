package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sqlscope/gateway-go/internal/agent"
	"github.com/sqlscope/gateway-go/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	executor, err := agent.NewExecutor(cfg.DBDriver, cfg.DBDSN, cfg.ExecutorMaxConns, cfg.ReadOnly)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to local database")
	}
	defer executor.Close()
	log.Info().Str("driver", cfg.DBDriver).Msg("local database connected")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := agent.NewClient(cfg, executor, version)

	log.Info().Str("gatewayUrl", cfg.GatewayURL).Str("version", version).Msg("starting gateway agent")
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("agent stopped")
	}

	log.Info().Msg("agent stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
