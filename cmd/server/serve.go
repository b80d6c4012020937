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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/api"
	"assessment-sync/internal/catalog"
	"assessment-sync/internal/config"
	"assessment-sync/internal/database"
	"assessment-sync/internal/lock"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/notify"
	"assessment-sync/internal/store"
	"assessment-sync/internal/sync"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, workers and HTTP control surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cfg)
		},
	}
}

func openAdapter(name string, cfg config.DatabaseConnection) (adapter.Adapter, error) {
	if cfg.Type == "memory" {
		logger.Log.Warn("Using in-memory adapter", zap.String("side", name))
		return adapter.NewMemory(name), nil
	}
	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s database: %w", name, err)
	}
	return adapter.NewSQL(name, db), nil
}

func serve(cfg *config.Config) error {
	logger.Log.Info("Starting assessment sync service", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateStore, err := store.NewStore(cfg.StateStorage)
	if err != nil {
		return fmt.Errorf("failed to init state store: %w", err)
	}
	defer stateStore.Close()

	if path := cfg.Sync.CatalogPath; path != "" {
		if _, err := catalog.Import(ctx, stateStore, path); err != nil {
			return fmt.Errorf("failed to import catalog: %w", err)
		}
		if cfg.Sync.WatchCatalog {
			watcher, err := catalog.NewWatcher(path, stateStore, time.Second)
			if err != nil {
				return err
			}
			go watcher.Run(ctx)
		}
	}

	source, err := openAdapter("source", cfg.Databases.Source)
	if err != nil {
		return err
	}
	defer source.Close()
	target, err := openAdapter("target", cfg.Databases.Target)
	if err != nil {
		return err
	}
	defer target.Close()

	var publisher notify.Publisher
	if cfg.Notifications.PubSub.Enabled {
		pub, closePub, err := notify.NewTopicPublisher(ctx, cfg.Notifications.PubSub)
		if err != nil {
			return err
		}
		defer closePub()
		publisher = pub
	}
	channels, err := notify.ChannelsFromConfig(cfg.Notifications, &http.Client{Timeout: 15 * time.Second}, publisher)
	if err != nil {
		return fmt.Errorf("failed to configure notification channels: %w", err)
	}
	broker := notify.NewBroker(cfg.Notifications, stateStore)
	for _, ch := range channels {
		broker.Register(ch)
	}
	brokerCtx, stopBroker := context.WithCancel(ctx)
	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		broker.Run(brokerCtx)
	}()

	locker, closeLocker, err := lock.New(cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLocker()

	syncManager := sync.NewManager(cfg, stateStore, source, target, broker, locker)
	if err := syncManager.Start(); err != nil {
		return err
	}

	var listener *sync.BinlogListener
	if cfg.ChangeFeed.Enabled {
		listener, err = startChangeFeed(ctx, cfg, stateStore, syncManager)
		if err != nil {
			logger.Log.Error("Change feed disabled", zap.Error(err))
		}
	}

	handler := api.NewHandler(syncManager, cfg.Server)
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Log.Info("Shutting down", zap.String("signal", sig.String()))
	case runErr = <-serverErr:
		logger.Log.Error("Server failed", zap.Error(runErr))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if listener != nil {
		listener.Stop()
	}
	syncManager.Stop()

	// Deliver what the cancelled jobs published before exiting.
	stopBroker()
	<-brokerDone
	if n := broker.Drain(shutdownCtx); n > 0 {
		logger.Log.Info("Delivered pending notifications", zap.Int("count", n))
	}
	return runErr
}

func startChangeFeed(ctx context.Context, cfg *config.Config, s store.Store, m *sync.Manager) (*sync.BinlogListener, error) {
	if cfg.Databases.Source.Type != "mysql" {
		return nil, fmt.Errorf("change feed needs a mysql source, got %q", cfg.Databases.Source.Type)
	}
	snap, err := catalog.Load(ctx, s)
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, t := range snap.Tables() {
		tables = append(tables, t.Name)
	}
	feed := sync.NewChangeFeed(m, cfg.ChangeFeed.Debounce)
	listener, err := sync.NewBinlogListener(cfg.Databases.Source, cfg.ChangeFeed, tables, feed)
	if err != nil {
		return nil, err
	}
	if err := listener.Start(ctx); err != nil {
		return nil, err
	}
	return listener, nil
}
