// Package main wires together the progress tracking service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/api"
	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/clock/system"
	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/config"
	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/logging"
	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/metrics"
	notifypubsub "github.com/iius-rcox/Credit-Card-Processor-sub004/internal/notify/pubsub"
	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/progress"
	memorystorage "github.com/iius-rcox/Credit-Card-Processor-sub004/internal/storage/memory"
	"github.com/iius-rcox/Credit-Card-Processor-sub004/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	mets := metrics.New(registry)
	clock := system.New()

	var repo progress.SnapshotRepository
	var repoClose func()
	if cfg.DB.DSN != "" {
		store, err := postgres.NewSnapshotStore(ctx, postgres.SnapshotStoreConfig{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: cfg.DB.MaxConnLifetime(),
		})
		if err != nil {
			logger.Fatal("snapshot store init failed", zap.Error(err))
		}
		repo = store
		repoClose = store.Close
		logger.Info("using postgres snapshot store", zap.String("table", cfg.DB.Table))
	} else {
		repo = memorystorage.NewSnapshotStore()
		logger.Info("no database configured, using in-memory snapshot store")
	}

	// Rewrite sessions orphaned by a previous process before ingestion opens.
	recovered, err := progress.RecoverInterrupted(ctx, repo, clock, logger.Named("recovery"))
	if err != nil {
		logger.Fatal("recovery failed", zap.Error(err))
	}
	if recovered > 0 {
		logger.Info("interrupted sessions recovered", zap.Int("count", recovered))
	}

	hub := progress.NewHub(progress.HubConfig{
		SubscriberBuffer:  cfg.Stream.SubscriberBuffer,
		HeartbeatInterval: cfg.Stream.Heartbeat(),
		Clock:             clock,
		Logger:            logger.Named("hub"),
	}, mets)

	var notifier progress.TerminalNotifier
	var psClient *pubsub.Client
	if cfg.PubSub.TopicName != "" {
		psClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		notifier = notifypubsub.New(psClient.Publisher(cfg.PubSub.TopicName))
		logger.Info("terminal notifications enabled", zap.String("topic", cfg.PubSub.TopicName))
	}

	tracker := progress.NewTracker(progress.TrackerConfig{
		Writer: progress.WriterConfig{
			Interval:       cfg.Progress.BatchInterval(),
			WriteTimeout:   cfg.Progress.WriteTimeout(),
			MaxRetries:     cfg.Progress.MaxRetries,
			BackoffInitial: cfg.Progress.BackoffInitial(),
			BackoffMax:     cfg.Progress.BackoffMax(),
		},
	}, repo, hub, clock, notifier, logger.Named("tracker"), mets)

	reaper := progress.NewReaper(progress.ReaperConfig{
		Interval:    cfg.Reaper.Interval(),
		IdleTimeout: cfg.Reaper.IdleTimeout(),
		Retention:   cfg.Reaper.Retention(),
	}, tracker, clock, logger.Named("reaper"))

	apiServer := api.NewServer(tracker, cfg, registry, mets, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("reaper started")
		reaper.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := tracker.Close(shutdownCtx); err != nil {
		logger.Warn("tracker close error", zap.Error(err))
	}
	hub.Close()
	if psClient != nil {
		if err := psClient.Close(); err != nil {
			logger.Warn("pubsub client close error", zap.Error(err))
		}
	}
	if repoClose != nil {
		repoClose()
	}
	logger.Info("shutdown complete")
}
