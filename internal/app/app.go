// Package app wires the store, queue, ledger and engine shared by the api,
// worker and slactl binaries.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"sla-engine/internal/archive"
	"sla-engine/internal/civil"
	"sla-engine/internal/config"
	"sla-engine/internal/ledger"
	"sla-engine/internal/logging"
	"sla-engine/internal/queue"
	"sla-engine/internal/sla"
	"sla-engine/internal/store"
)

// Services is a fully wired engine.
type Services struct {
	Config      config.Config
	Log         *logrus.Logger
	Store       *store.Store
	Redis       *redis.Client
	Queue       *queue.RedisQueue
	Ledger      *ledger.Ledger
	Engine      *sla.Engine
	Escalations *sla.Escalations
	Holds       *sla.Holds

	logCloser io.Closer
}

// NewLogger builds the process logger from config.
func NewLogger(cfg config.Config) (*logrus.Logger, io.Closer, error) {
	return logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, JSON: cfg.Production()})
}

// Open connects to Postgres and Redis, runs migrations and registers the SLA jobs.
func Open(ctx context.Context, cfg config.Config) (*Services, error) {
	log, logCloser, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	s := &Services{Config: cfg, Log: log, logCloser: logCloser}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Store = st
	applied, err := st.RunMigrations(ctx)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for _, name := range applied {
		log.WithField("migration", name).Info("migration applied")
	}

	s.Redis = queue.NewClient(cfg)
	s.Queue = queue.NewRedisQueue(s.Redis, cfg.VisibilityTimeout)

	opts := []ledger.Option{
		ledger.WithTimeout(cfg.JobTimeout),
		ledger.WithQueueDepth(s.Queue.Depth),
	}
	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	if arch != nil {
		opts = append(opts, ledger.WithArchiver(arch))
	}

	clock := civil.SystemClock{}
	s.Ledger = ledger.New(st, clock, log, opts...)
	s.Engine = sla.NewEngine(st, st, clock, log)
	s.Engine.Register(s.Ledger)
	s.Escalations = sla.NewEscalations(st, clock, log)
	s.Holds = sla.NewHolds(st, clock, log)
	return s, nil
}

// Close releases connections and the log file.
func (s *Services) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Store != nil {
		s.Store.Close()
	}
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
}
