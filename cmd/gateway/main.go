package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/gateway"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/hub"
	"github.com/NikolaySitnikov/FlashCur-sub003/cmd/gateway/internal/repository"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/config"
	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/metrics"
)

const symbolRefreshInterval = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := config.NewLogger(cfg.App, cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Redis unreachable", zap.Error(err))
	}

	repo := repository.NewRedisStore(rdb)

	// Make sure the direct feed topic exists before accepting publishes.
	creator := gateway.NewTopicCreator(logger, &gateway.RealKafkaDialer{Dialer: kafka.DefaultDialer}, gateway.RealClock{})
	creator.Ensure(cfg.Kafka.Brokers, cfg.Kafka.FeedTopic)

	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.FeedTopic,
		Balancer: &kafka.Hash{}, // Per-symbol partition ordering
		// Send batches to reduce network IO
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
	publisher := gateway.NewPublisher(writer, gateway.RealClock{}, logger, cfg.Gateway.MaxClockSkew)

	auth := hub.NewStaticAuthorizer(cfg.Gateway.APITokens)
	wsHub := hub.NewHub(repo, publisher, auth, logger)

	ctx, cancel := context.WithCancel(context.Background())
	symbols := gateway.NewSymbolCache(repo, logger, symbolRefreshInterval)
	go symbols.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}

		client := gateway.NewClient(conn, wsHub, logger, symbols.Valid)
		client.Start()
	})

	srv := &http.Server{Addr: cfg.App.GatewayAddr, Handler: mux}

	go func() {
		logger.Info("Gateway started", zap.String("addr", cfg.App.GatewayAddr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutdown signal received")

	cancel()
	srv.Shutdown(context.Background())

	// Flush the Kafka buffer before exit
	if err := publisher.Close(); err != nil {
		logger.Error("Error closing Kafka writer", zap.Error(err))
	}
	repo.Close()
	logger.Info("Shutdown Complete")
}
