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
	"golang.org/x/sync/errgroup"

	"ble_presence/internal/bluetooth"
	"ble_presence/internal/db"
	"ble_presence/internal/httpapi"
	"ble_presence/internal/metrics"
	"ble_presence/internal/presence"
	"ble_presence/internal/registry"
	"ble_presence/internal/retention"
	"ble_presence/internal/sightings"
)

type config struct {
	logLevel      string
	logFormat     string
	sightingsPath string
	databaseURL   string
	registryFile  string
	addr          string
}

func loadConfig() config {
	return config{
		logLevel:      envOr("LOG_LEVEL", "info"),
		logFormat:     envOr("LOG_FORMAT", "json"),
		sightingsPath: envOr("SIGHTINGS_DB", sightings.DefaultPath),
		databaseURL:   envOr("DATABASE_URL", ""),
		registryFile:  envOr("REGISTRY_FILE", ""),
		addr:          envOr("HTTP_ADDR", ""),
	}
}

// newScanner is replaced in tests so run never touches a host adapter.
var newScanner = func(log zerolog.Logger) bluetooth.Scanner {
	return bluetooth.NewAdapterScanner(log, nil)
}

func main() {
	cfg := loadConfig()
	logger := httpapi.NewLogger(cfg.logLevel, cfg.logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	stop()
	os.Exit(code)
}

// run wires the service and blocks until ctx is canceled or a component
// fails. It returns the process exit code once every deferred cleanup has
// run.
func run(ctx context.Context, cfg config, logger zerolog.Logger) int {
	reg := registry.Default()
	if cfg.registryFile != "" {
		r, err := registry.LoadFile(cfg.registryFile)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.registryFile).Msg("failed to load device registry")
			return 1
		}
		reg = r
	}
	for _, e := range reg.Entries() {
		logger.Info().Str("device", e.Name).Str("address", e.Address).Msg("tracking device")
	}

	var store sightings.Store
	if cfg.databaseURL != "" {
		pool, err := db.Open(ctx, cfg.databaseURL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to database")
			return 1
		}
		defer pool.Close()

		s, err := sightings.NewPostgresStore(pool)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create sighting store")
			return 1
		}
		store = s
		logger.Info().Msg("using postgres sighting store")
	} else {
		s, err := sightings.NewSQLiteStore(cfg.sightingsPath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create sighting store")
			return 1
		}
		store = s
		logger.Info().Str("path", s.Path()).Msg("using sqlite sighting store")
	}

	if err := store.Ping(ctx); err != nil {
		// Not fatal: each loop retries the store on its next cycle.
		logger.Warn().Err(err).Msg("sighting store not ready")
	}

	m := metrics.New()
	scanner := newScanner(logger.With().Str("component", "bluetooth").Logger())

	worker := presence.New(logger.With().Str("component", "scan").Logger(), scanner, reg, store, presence.Options{}, m)
	cleaner := retention.New(logger.With().Str("component", "retention").Logger(), store, retention.Options{}, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		cleaner.Run(gctx)
		return nil
	})

	if cfg.addr != "" {
		h := httpapi.NewHandler(logger.With().Str("component", "http").Logger(), store, reg, m)
		srv := &http.Server{
			Addr:              cfg.addr,
			Handler:           h.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info().Str("addr", cfg.addr).Msg("ops server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("presenced stopped with error")
		return 1
	}
	logger.Info().Msg("shutdown complete")
	return 0
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
