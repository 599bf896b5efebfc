package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"magstats/internal/api"
	"magstats/internal/app"
	"magstats/internal/article"
	"magstats/internal/config"
	"magstats/internal/event"
	"magstats/internal/logging"
	"magstats/internal/reconcile"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stdout})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init logger")
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}

	// CMS sync
	if a.Ingest != nil {
		go a.Ingest.StartPolling(ctx, cfg.CMS.PollInterval)
	} else {
		logger.Info().Msg("cms feed url empty, sync disabled")
	}

	// Scheduled reconciliation
	var scheduler *reconcile.Scheduler
	if cfg.Reconcile.Schedule != "" {
		scheduler, err = reconcile.NewScheduler(a.Reconciler, cfg.Reconcile.Schedule, cfg.Reconcile.RunTimeout, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init scheduler")
		}
		scheduler.Start(ctx)
	} else {
		logger.Info().Msg("reconcile schedule empty, scheduler disabled")
	}

	// stats.updated events (RabbitMQ)
	if cfg.Rabbit.Enabled {
		publisher, err := event.NewRabbitPublisher(cfg.Rabbit.URI, cfg.Rabbit.Exchange, cfg.Rabbit.RoutingKey, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init rabbit publisher")
		}
		defer publisher.Close()

		eventsService := event.NewService(a.DB.Collection(article.CollectionName), publisher, logger)
		go eventsService.Run(ctx)
	}

	// HTTP API
	srv := serve(cfg.HTTP.Addr, api.NewHandler(a.Items, a.Ranker, a.Reconciler, logger).Router(), logger)

	logger.Info().Msg("service started")

	// Block until we receive a signal / ctx cancelled
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, shutting down...")

	// Unified shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	a.Close(shutdownCtx)

	logger.Info().Msg("shutdown complete")
}

func serve(addr string, handler http.Handler, logger zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return srv
}
