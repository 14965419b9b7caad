// agenthub routes capability requests between agents, apps and providers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-barta/agenthub/internal/config"
	"github.com/markus-barta/agenthub/internal/hub"
	"github.com/markus-barta/agenthub/internal/store"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGENTHUB_CONFIG"), "path to a YAML or TOML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agenthub %s\n", hub.VersionInfo())
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Set up logging
	log := newLogger(cfg)
	zerolog.SetGlobalLevel(cfg.Level())

	// Initialize journal
	var journal store.Backend = store.Nop{}
	if cfg.DatabasePath != "" {
		j, err := store.Open(log, cfg.DatabasePath, cfg.JournalQueue)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open request journal")
		}
		journal = j
	}
	defer func() {
		if err := journal.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close request journal")
		}
	}()

	// Create server
	server, err := hub.New(cfg, journal, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid hub configuration")
	}

	log.Info().
		Str("version", hub.VersionInfo()).
		Str("addr", cfg.ListenAddr).
		Str("fallback", cfg.FallbackPolicy).
		Bool("journal", cfg.DatabasePath != "").
		Msg("agenthub starting")

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server error")
		return
	}
	log.Info().Msg("shut down cleanly")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.LogFormat == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
}
