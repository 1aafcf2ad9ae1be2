package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sla-engine/internal/api"
	"sla-engine/internal/app"
	"sla-engine/internal/config"
	"sla-engine/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := app.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()
	log := svc.Log

	if cfg.CronSecret == "" {
		log.Warn("CRON_SECRET is empty; all /api routes will answer 401")
	}

	limiter := ratelimit.NewTokenBucket(svc.Redis, cfg.RetryRateCapacity, cfg.RetryRateRefill, time.Hour)
	server := api.New(cfg, api.Deps{
		Ledger:      svc.Ledger,
		Escalations: svc.Escalations,
		Holds:       svc.Holds,
		Rules:       svc.Store,
		Queue:       svc.Queue,
		Limiter:     limiter,
		Log:         log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("listen")
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
