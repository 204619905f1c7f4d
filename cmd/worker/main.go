// Package main runs the background recording delivery worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tgringer/callserver/config"
	"github.com/tgringer/callserver/internal/delivery"
	"github.com/tgringer/callserver/internal/metrics"
	"github.com/tgringer/callserver/internal/worker"
	"github.com/tgringer/callserver/pkg/queue"
	"github.com/tgringer/callserver/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Redis.Addr == "" {
		logger.Fatal("REDIS_ADDR is required for the delivery worker")
	}
	if cfg.Delivery.NotifyURL == "" {
		logger.Warn("BOT_RECORD_NOTIFY_URL not set, deliveries will be skipped")
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	m := metrics.New(prometheus.NewRegistry())
	notifier := delivery.NewHTTPNotifier(cfg.Delivery.NotifyURL, delivery.NewSigner(cfg.Delivery.Secret), cfg.Delivery.Timeout, logger, m)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewDeliveryProcessor(notifier, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()
	logger.Info("delivery worker started", zap.String("queue", queue.QueueDeliveries))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(cfg.Delivery.Timeout + 5*time.Second):
		logger.Warn("delivery worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
