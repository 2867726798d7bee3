package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vmsentry/internal/alerts"
	"vmsentry/internal/api"
	"vmsentry/internal/config"
	"vmsentry/internal/engine"
	"vmsentry/internal/ingest"
	"vmsentry/internal/logging"
	"vmsentry/internal/metrics"
	"vmsentry/internal/model"
	"vmsentry/internal/notify"
	"vmsentry/internal/rules"
	"vmsentry/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingest, evaluation, notification and the API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("api-addr", "", "API listen address")
	flags.String("rest-addr", "", "REST ingest listen address")
	flags.String("storage-dsn", "", "storage DSN; also enables storage")
	_ = viper.BindPFlag("api.addr", flags.Lookup("api-addr"))
	_ = viper.BindPFlag("ingest.rest.addr", flags.Lookup("rest-addr"))
	_ = viper.BindPFlag("storage.dsn", flags.Lookup("storage-dsn"))
}

func serve(ctx context.Context) error {
	manager, err := loadManager()
	if err != nil {
		return err
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("vmsentry starting", "version", version, "config", manager.Path())

	collector := metrics.NewCollector("vmsentry")
	registry, err := rules.NewRegistry(cfg.Rules)
	if err != nil {
		return err
	}

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("storage: %w", err)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	notifier, closeNotifier, err := notify.Build(cfg.Notify, logger.With("module", "notify"))
	if err != nil {
		return err
	}
	router := notify.NewRouter(notifier, cfg.Notify.BatchWindow, logger.With("module", "router"), collector)
	router.Start()

	hub := api.NewHub(logger.With("module", "ws"))
	recent := alerts.NewStore(cfg.Alerts.StoreLimit)
	live := metrics.NewStore(cfg.Live.StoreLimit)

	var (
		alertStore  engine.AlertStore
		sampleStore engine.SampleStore
		history     api.History
	)
	if store != nil {
		alertStore, sampleStore, history = store, store, store
	}
	emitter := engine.NewEmitter(logger.With("module", "emitter"), alertStore, recent, router, hub, collector)
	eng := engine.NewEngine(cfg, registry, logger.With("module", "engine"), live, sampleStore, emitter, hub, collector)

	in := make(chan model.MetricSample, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, in)

	ingestLogger := logger.With("module", "ingest")
	parser := ingest.NewParser(ingestLogger, collector)
	ingest.StartREST(ctx, manager, parser, in, ingestLogger)
	ingest.StartTCPStream(ctx, manager, parser, in, ingestLogger)
	ingest.StartFileTail(ctx, manager, parser, in, ingestLogger)
	ingest.StartKafka(ctx, manager, parser, in, ingestLogger)

	api.Start(ctx, api.Options{
		Config:    manager,
		Rules:     registry,
		Engine:    eng,
		Router:    router,
		Alerts:    recent,
		History:   history,
		Hub:       hub,
		Collector: collector,
		Logger:    logger.With("module", "api"),
		Version:   version,
	})

	retention := storage.NewRetention(store, cfg.Storage.Retention, logger.With("module", "retention"))
	retention.Start()

	watchStop := make(chan struct{})
	go manager.Watch(3*time.Second, func(next *config.Config) {
		if err := eng.UpdateConfig(next); err != nil {
			logger.Error("config reload rejected", "err", err)
			return
		}
		logger.Info("config reloaded", "path", manager.Path())
	}, func(err error) {
		logger.Warn("config watch error", "err", err)
	}, watchStop)

	<-ctx.Done()
	logger.Info("vmsentry stopping")
	close(watchStop)
	eng.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := router.Stop(shutdownCtx); err != nil {
		logger.Warn("router stop", "err", err)
	}
	if err := retention.Stop(shutdownCtx); err != nil {
		logger.Warn("retention stop", "err", err)
	}
	if err := closeNotifier(); err != nil {
		logger.Warn("notifier close", "err", err)
	}
	return nil
}
