package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/api"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/detector"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/feed"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/scheduler"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/store"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/ingestd/internal/upstream"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/config"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.App, cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	snapStore := store.NewRedisStore(rdb, cfg.Scheduler.MaxStaleness)

	det := detector.New(snapStore, logger, cfg.Detector)
	det.Start()

	httpClient := &http.Client{Timeout: cfg.Upstream.Timeout}
	fetcher := upstream.NewFetcher(httpClient, upstream.RealClock{}, logger, cfg.Upstream)

	sched := scheduler.New(fetcher, snapStore, det.Offer, logger,
		cfg.Scheduler.Interval, cfg.Scheduler.Cooldown, cfg.Upstream.Timeout)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.FeedTopic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: 200,
		MaxBytes: 10e6,
		MaxWait:  200 * time.Millisecond,
		// Auto-commit for throughput; the store's sequence rule deduplicates
		// replays, so offset management stays simple.
		CommitInterval:    1,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    10 * time.Second,
	})
	consumer := feed.NewConsumer(reader, snapStore, det, logger, cfg.Gateway.MaxClockSkew)

	handler := api.NewHandler(sched, snapStore, logger, cfg.Scheduler.MaxStaleness)
	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: cfg.App.IngestAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go sched.Run(ctx)

	go func() {
		if err := consumer.Run(ctx); err != nil {
			logger.Error("Direct feed consumer stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Ingest server started", zap.String("addr", cfg.App.IngestAddr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received, stopping ingestd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	logger.Info("Closing Kafka Reader...")
	if err := reader.Close(); err != nil {
		logger.Error("Error closing reader", zap.Error(err))
	}

	logger.Info("Waiting for detector workers to drain...")
	det.Stop()

	logger.Info("Closing Redis...")
	snapStore.Close()

	logger.Info("ingestd exited cleanly")
}
