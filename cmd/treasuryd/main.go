// Package main runs the treasury layer HTTP server.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/treasury_layer/internal/app"
	"github.com/R3E-Network/treasury_layer/internal/app/events"
	"github.com/R3E-Network/treasury_layer/internal/app/httpapi"
	reconsvc "github.com/R3E-Network/treasury_layer/internal/app/services/reconciliation"
	"github.com/R3E-Network/treasury_layer/internal/app/storage"
	"github.com/R3E-Network/treasury_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/treasury_layer/internal/config"
	"github.com/R3E-Network/treasury_layer/internal/middleware"
	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("treasuryd").WithError(err).Error("load configuration")
		os.Exit(1)
	}
	log := logger.New("treasuryd", cfg.LogLevel)

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.WithError(err).Error("open store")
		os.Exit(1)
	}
	defer closeStore()

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafka(cfg.KafkaBrokers)
		defer kafka.Close()
		publisher = kafka
		log.WithField("brokers", cfg.KafkaBrokers).Info("kafka publisher enabled")
	}

	opts := app.Options{
		Store:             store,
		Publisher:         publisher,
		ReconcileSchedule: cfg.ReconcileSchedule,
		SandboxMode:       cfg.SandboxMode,
	}
	if cfg.ExternalBalanceURL != "" {
		opts.ExternalBalances = reconsvc.NewHTTPBalanceSource(
			&http.Client{Timeout: 15 * time.Second},
			cfg.ExternalBalanceURL,
		)
	}

	application, err := app.New(opts, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	handler := httpapi.NewHandler(application)

	auth := middleware.NewAuth([]byte(cfg.JWTSecret), log)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, log)
	limiter.StartCleanup(10 * time.Minute)

	chain := auth.Handler(limiter.Handler(handler))
	if len(cfg.CORSOrigins) > 0 {
		chain = middleware.NewCORS(cfg.CORSOrigins).Handler(chain)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      chain,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("treasury layer listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
}

// openStore selects postgres when a DSN is configured, in-memory otherwise.
func openStore(cfg config.Config, log *logger.Logger) (storage.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		log.Info("no POSTGRES_DSN configured; using in-memory store")
		return storage.NewMemory(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}

	log.Info("postgres store ready")
	return postgres.New(db), func() { db.Close() }, nil
}
