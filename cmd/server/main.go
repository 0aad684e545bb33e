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

	"codechronos-sandbox/internal/api"
	"codechronos-sandbox/internal/cache"
	"codechronos-sandbox/internal/config"
	"codechronos-sandbox/internal/monitor"
	"codechronos-sandbox/internal/sandbox"
	"codechronos-sandbox/internal/storage"
	"codechronos-sandbox/internal/storage/sqlite"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
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

	metrics := monitor.NewMetrics()
	opts := []sandbox.Option{sandbox.WithMetrics(metrics)}
	if cfg.Tracing.Enabled {
		opts = append(opts, sandbox.WithTracer(monitor.NewTracer()))
	}

	// Parser cache (optional, parsing works without it)
	var parserCache *cache.Cache
	if cfg.Cache.RedisAddr != "" {
		parserCache, err = cache.New(ctx, cfg.Cache)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("redis unavailable, parser cache disabled")
		} else {
			defer parserCache.Close()
			opts = append(opts, sandbox.WithParserCache(parserCache))
		}
	}

	backend, err := sandbox.NewBackend(cfg, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("sandbox backend unavailable")
	}

	// Audit store (optional, runs without it for development)
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.Warn().Err(err).Str("driver", cfg.Database.Driver).Msg("database unavailable, audit logging disabled")
	}
	if store != nil {
		defer store.Close()
	}

	// Buffered audit writer. Flushed before the store closes.
	var auditWriter *storage.AuditWriter
	if store != nil {
		auditWriter = storage.NewAuditWriter(store, cfg.Database.AuditBuffer)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	deps := api.Deps{
		Backend:     backend,
		Store:       store,
		AuditWriter: auditWriter,
		Metrics:     metrics,
	}
	if parserCache != nil {
		deps.Cache = parserCache
	}
	server := api.NewServer(cfg, deps)

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

		// Stops every preview server and its reaper.
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", store != nil).
		Bool("cache_enabled", parserCache != nil).
		Bool("previews_enabled", cfg.Preview.Enabled).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

// openStore returns a nil store when no DSN is configured.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		db, err := storage.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}
