// Package main implements a service that watches queue counters and sends LINE
// notifications when a subscriber's number is near, called, or has passed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"queue-notifier/dedup"
	"queue-notifier/line"
	"queue-notifier/poll"
	"queue-notifier/scraper"
	"queue-notifier/server"
	"queue-notifier/snapshots"
	"queue-notifier/storage"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// messenger is what both the LINE client and the mock provide.
type messenger interface {
	line.Provider
	server.Messenger
}

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	level, _ := cfg.level()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	store, closeStore, err := openSubscriptions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	snaps, err := snapshots.Open(ctx, cfg.SnapshotDB, logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer func() {
		if err := snaps.Close(); err != nil {
			logger.Warn("Failed to close snapshot store", "error", err)
		}
	}()

	var msgr messenger
	if cfg.MockDelivery {
		logger.Info("Mock delivery mode enabled, messages are logged instead of sent")
		msgr = line.NewMockProvider(logger)
	} else {
		msgr = line.NewClient(cfg.LineAPIBase, cfg.ChannelAccessToken, logger)
	}

	lang, _ := line.ParseLanguage(cfg.Language)
	messages := line.NewMessages(lang)

	cache := dedup.New(logger)
	monitor := poll.New(store, snaps, line.New(msgr, messages, logger), cache, poll.Config{
		NearThreshold:     cfg.NearThreshold,
		MaxConcurrent:     cfg.MaxConcurrent,
		SubscriberTimeout: cfg.SubscriberTimeout,
	}, logger)

	var wg sync.WaitGroup
	wg.Go(func() { cache.Run(ctx, cfg.EvictInterval) })
	wg.Go(func() { monitor.Run(ctx, cfg.ScanInterval) })

	if cfg.BoardURL != "" {
		collector := scraper.New(&http.Client{Timeout: 30 * time.Second}, scraper.Config{
			URL:            cfg.BoardURL,
			RowSelector:    cfg.BoardRowSelector,
			CounterAttr:    cfg.BoardCounterAttr,
			CalledSelector: cfg.BoardCalledSelector,
		}, logger)
		wg.Go(func() { collector.Run(ctx, cfg.BoardInterval, snaps) })
	} else {
		logger.Info("No BOARD_URL set, snapshots arrive via POST /snapshots only")
	}

	srv := server.New(&server.Config{
		Store:         store,
		Messenger:     msgr,
		Messages:      messages,
		Oracle:        snaps,
		Snapshots:     snaps,
		Poller:        monitor,
		Logger:        logger,
		IsNotFound:    storage.IsNotFound,
		ChannelSecret: cfg.ChannelSecret,
		AdminToken:    cfg.AdminToken,
		NearThreshold: cfg.NearThreshold,
	})

	err = srv.Start(ctx, cfg.Port)
	wg.Wait()
	return err
}

// openSubscriptions returns the bucket-backed store in production and a local
// directory store otherwise.
func openSubscriptions(ctx context.Context, cfg *config, logger *slog.Logger) (*storage.Store, func(), error) {
	salt := []byte(cfg.SubscriberKeySalt)

	if cfg.StorageBucket == "" {
		logger.Info("Running with local storage", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		if len(salt) == 0 {
			logger.Warn("SUBSCRIBER_KEY_SALT not set, object names are unsalted")
		}
		return storage.New(nil, "", cfg.LocalStorage, salt, logger), func() {}, nil
	}

	var opts []option.ClientOption
	if cfg.GoogleCredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)

	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, cfg.StorageBucket, "", salt, logger), closeFn, nil
}
