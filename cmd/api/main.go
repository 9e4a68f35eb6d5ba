package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/shelfkey/server/internal/auth"
	"github.com/shelfkey/server/internal/config"
	"github.com/shelfkey/server/internal/cryptokit"
	"github.com/shelfkey/server/internal/db"
	"github.com/shelfkey/server/internal/device"
	httphandler "github.com/shelfkey/server/internal/http"
	"github.com/shelfkey/server/internal/license"
	"github.com/shelfkey/server/internal/loan"
	"github.com/shelfkey/server/internal/metrics"
	"github.com/shelfkey/server/internal/middleware"
	"github.com/shelfkey/server/internal/repo"
	"github.com/shelfkey/server/internal/repo/memory"
	"github.com/shelfkey/server/internal/sweeper"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := cfg.NewLogger().With(slog.String("service", "shelfkey"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// the signing key is loaded once and shared read-only for the process lifetime
	keypair, created, err := cryptokit.LoadOrCreateKeypair(cfg.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	var retired []ed25519.PublicKey
	if cfg.RetiredKeysDir != "" {
		if retired, err = cryptokit.LoadRetiredKeys(cfg.RetiredKeysDir); err != nil {
			return fmt.Errorf("load retired keys: %w", err)
		}
	}
	signer := cryptokit.NewSigner(keypair, retired...)
	logger.Info("signing key ready",
		slog.String("kid", signer.KeyID()),
		slog.Bool("generated", created),
		slog.Int("retired_keys", len(retired)),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	licenses := license.NewManager(store, signer, m, logger.With(slog.String("component", "licenses")))
	loans := loan.NewManager(store, licenses, m, logger.With(slog.String("component", "loans")))
	devices := device.NewRegistry(store, m, logger.With(slog.String("component", "devices")))
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	if mem, ok := store.(*memory.Store); ok && cfg.DevMode {
		var tokens io.Writer
		if cfg.LogFormat == "text" {
			tokens = os.Stdout
		} else {
			logger.Info("dev session tokens not printed; set LOG_FORMAT=text to see them")
		}
		if err := seedDevData(mem, jwtService, logger, tokens); err != nil {
			return fmt.Errorf("seed dev data: %w", err)
		}
	}

	router := httphandler.NewRouter(httphandler.Deps{
		JWT:         jwtService,
		Users:       store.Users(),
		Devices:     devices,
		Loans:       loans,
		Licenses:    licenses,
		RateLimiter: limiter,
		Metrics:     m,
		Gatherer:    reg,
		Logger:      logger.With(slog.String("component", "http")),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	sweep := sweeper.New(licenses, cfg.SweepInterval, cfg.SweepHorizon, m, logger.With(slog.String("component", "sweeper")))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sweep.Run(gctx) })
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("using in-memory store; data is lost on exit")
		return memory.New(), func() {}, nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPool, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return repo.NewPostgresStore(database), func() { database.Close() }, nil
}
