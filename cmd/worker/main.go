package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"sla-engine/internal/app"
	"sla-engine/internal/config"
	"sla-engine/internal/telemetry"
	workerproc "sla-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := app.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()
	log := svc.Log

	processor := workerproc.NewProcessor(workerproc.Options{
		PollInterval:   cfg.WorkerPollInterval,
		MaxAttempts:    cfg.RetryMaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, svc.Queue, svc.Ledger, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"visibility":      cfg.VisibilityTimeout.String(),
		"backoff_initial": cfg.BackoffInitial.String(),
		"max_attempts":    cfg.RetryMaxAttempts,
	}).Info("worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker stopped")
	}
}
