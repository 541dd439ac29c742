package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"points-service/internal/config"
	"points-service/internal/database"
	"points-service/internal/dispatch"
	"points-service/internal/httpapi"
	"points-service/internal/hub"
	"points-service/internal/jobstatus"
	"points-service/internal/ledger"
	"points-service/internal/logger"
	"points-service/internal/metrics"
	"points-service/internal/reconcile"
	"points-service/internal/relay"
	"points-service/internal/repository"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	if cfg.Auth.JWTSecret == "" && !cfg.Auth.Disabled {
		log.Fatal("JWT_SECRET must be set unless AUTH_DISABLED=true")
	}

	m := metrics.New()

	// Initialize database
	db, err := database.New(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer db.Close()

	// Initialize repositories
	ledgerRepo := repository.NewLedgerRepository(db.DB, log)
	preferenceRepo := repository.NewPreferenceRepository(db.DB, log)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := jobstatus.New(cfg.JobStatus.Retention, log, m)
	if err := registry.Start(cfg.JobStatus.SweepSpec); err != nil {
		log.WithError(err).Fatal("failed to start job status sweeper")
	}
	defer registry.Stop()

	liveHub := hub.New(cfg.Stream.Buffer, log, m)

	var notifier ledger.Notifier = liveHub
	if cfg.Rabbit.Enabled {
		eventRelay, err := relay.New(cfg.Rabbit, liveHub, log, m)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize event relay")
		}
		defer eventRelay.Close()
		notifier = eventRelay

		go func() {
			if err := eventRelay.Start(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("event relay stopped unexpectedly")
			}
		}()
	}

	svc := ledger.NewService(ledgerRepo, registry, notifier, log, m, ledger.Options{
		DefaultCost:   cfg.Points.VideoCost,
		ResultBaseURL: cfg.Points.ResultBaseURL,
	})

	api := httpapi.NewServer(httpapi.Config{
		PublicBaseURL: cfg.HTTP.PublicBaseURL,
		KeepAlive:     cfg.Stream.KeepAlive,
		JWTSecret:     cfg.Auth.JWTSecret,
		AuthDisabled:  cfg.Auth.Disabled,
		RateRPS:       cfg.RateLimit.RPS,
		RateBurst:     cfg.RateLimit.Burst,
		RateIdle:      cfg.RateLimit.Idle,
	}, svc, liveHub, dispatch.New(cfg.Dispatch.Timeout, log, m), preferenceRepo, m, log)
	if err := api.Start(cfg.RateLimit.SweepSpec); err != nil {
		log.WithError(err).Fatal("failed to start rate limiter sweep")
	}
	defer api.Stop()

	// Start ledger reconciler goroutine
	go reconcile.Run(ctx, ledgerRepo, cfg.Reconcile.BatchSize, cfg.Reconcile.Interval, log, m)

	// no write timeout: event streams stay open indefinitely
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	// end live streams first so Shutdown does not wait on them
	liveHub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown failed")
	}

	log.Info("graceful shutdown complete")
}
