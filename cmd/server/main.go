package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"challenge-instancer/internal/api"
	"challenge-instancer/internal/config"
	"challenge-instancer/internal/flagcrypto"
	"challenge-instancer/internal/lifecycle"
	"challenge-instancer/internal/monitor"
	"challenge-instancer/internal/orchestrator"
	"challenge-instancer/internal/policy"
	"challenge-instancer/internal/store"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Initialize the orchestration backend (auto-detects Docker vs containerd)
	var backend orchestrator.Backend
	backend, err = orchestrator.NewBackend(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no orchestration backend available (provisioning will fail)")
		// Continue startup so health/metrics endpoints work for debugging
	}

	// Initialize database. Instance tracking lives here; without it the
	// engine cannot run.
	if cfg.Database.DSN == "" {
		log.Fatal().Msg("database.dsn is required")
	}
	db, err := store.New(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	// Initialize audit writer (buffered, reliable logging)
	auditWriter := store.NewAuditWriter(db, 10000)
	auditWriter.Start()
	defer auditWriter.Flush(10 * time.Second)

	// Build the flag keyring. An unconfigured keyring gets an ephemeral key:
	// fine for development, but flags will not survive a restart.
	keys := cfg.Crypto.Keys
	activeKeyID := cfg.Crypto.ActiveKeyID
	if len(keys) == 0 {
		ephemeral, err := flagcrypto.GenerateKey()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate ephemeral key")
		}
		activeKeyID = "ephemeral"
		keys = map[string]string{activeKeyID: ephemeral}
		log.Warn().Msg("no crypto keys configured — using an ephemeral key, issued flags will not survive a restart")
	}
	keyring, err := flagcrypto.NewKeyring(activeKeyID, keys)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid keyring configuration")
	}

	// Runtime policy: config sets the global defaults, the runtime_policies
	// table overrides per exercise.
	defaults := policy.RuntimePolicy{
		BaseRuntime:        cfg.Policy.BaseRuntime,
		ExtensionIncrement: cfg.Policy.ExtensionIncrement,
		MaxExtensions:      cfg.Policy.MaxExtensions,
		LifetimeCap:        cfg.Policy.LifetimeCap,
	}
	if err := defaults.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid policy configuration")
	}
	resolver := policy.NewResolver(db, defaults)

	engine := lifecycle.New(db, backend, keyring, resolver, auditWriter, metrics)

	reclaimer := lifecycle.NewReclaimer(db, engine, cfg.Reclaimer.Interval, cfg.Reclaimer.BatchSize, metrics)
	reclaimer.Start()

	// One-time sweep of containers left behind by a previous run.
	if backend != nil {
		go func() {
			if n, err := engine.SweepOrphans(ctx); err != nil {
				log.Warn().Err(err).Msg("orphan sweep failed")
			} else if n > 0 {
				log.Info().Int("removed", n).Msg("orphan sweep complete")
			}
		}()
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, engine, db, backend, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		reclaimer.Stop()

		if backend != nil {
			if err := backend.Close(); err != nil {
				log.Error().Err(err).Msg("backend close error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("backend_available", backend != nil).
		Dur("reclaim_interval", cfg.Reclaimer.Interval).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
