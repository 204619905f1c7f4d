// Package main runs the signaling and recording HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tgringer/callserver/config"
	"github.com/tgringer/callserver/internal/calllog"
	"github.com/tgringer/callserver/internal/delivery"
	"github.com/tgringer/callserver/internal/encoder"
	"github.com/tgringer/callserver/internal/metrics"
	"github.com/tgringer/callserver/internal/middleware"
	"github.com/tgringer/callserver/internal/realtime"
	"github.com/tgringer/callserver/internal/recorder"
	"github.com/tgringer/callserver/internal/recordings"
	"github.com/tgringer/callserver/pkg/database"
	"github.com/tgringer/callserver/pkg/queue"
	"github.com/tgringer/callserver/pkg/redis"
	"github.com/tgringer/callserver/pkg/response"
	"github.com/tgringer/callserver/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Call log (optional: without a database the lifecycle bridge is a no-op)
	var store calllog.Store
	if cfg.Database.Enabled() {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		store = calllog.NewRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set, call log disabled")
	}
	sink := calllog.NewSink(1024, 5*time.Second, logger, m)
	bridge := calllog.NewBridge(store, sink, logger)

	// Signaling
	registry := realtime.NewRegistry(logger, m)
	ice := realtime.ICEServers(cfg.WebRTC.ICEUrls, cfg.WebRTC.Username, cfg.WebRTC.Credential)
	signals := realtime.NewRouter(registry, bridge, ice, logger, m)
	wsOpts := realtime.Options{
		ReadLimit:    cfg.Signaling.ReadLimit,
		PingInterval: cfg.Signaling.PingInterval,
		PongWait:     cfg.Signaling.PongWait,
		SendBuffer:   cfg.Signaling.SendBuffer,
	}

	// Encoder
	ffmpeg := encoder.NewFFmpeg(cfg.Encoder.Bin, encoder.Profile{
		CRF:          cfg.Encoder.CRF,
		Preset:       cfg.Encoder.Preset,
		MaxWidth:     cfg.Encoder.MaxWidth,
		FPS:          cfg.Encoder.FPS,
		AudioBitrate: cfg.Encoder.AudioBitrate,
	}, encoder.Timeouts{Wait: cfg.Encoder.WaitTimeout, Transcode: cfg.Encoder.TranscodeTimeout}, logger)
	if !ffmpeg.Available() {
		logger.Warn("ffmpeg not found, recordings stay as webm and segmented mode falls back")
	}

	// Artifact mirror (optional)
	var mirror recorder.Mirror
	if cfg.AWS.RecordingsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:           cfg.AWS.Region,
			AccessKeyID:      cfg.AWS.AccessKeyID,
			SecretAccessKey:  cfg.AWS.SecretAccessKey,
			RecordingsBucket: cfg.AWS.RecordingsBucket,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			mirror = s3Client
		}
	}

	// Delivery: direct POST to the bot, or queued for cmd/worker
	var notifier delivery.Notifier
	if cfg.Delivery.Mode == "queue" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		notifier = delivery.NewQueueNotifier(queue.NewQueue(rdb.Client, logger), logger)
	} else {
		signer := delivery.NewSigner(cfg.Delivery.Secret)
		notifier = delivery.NewHTTPNotifier(cfg.Delivery.NotifyURL, signer, cfg.Delivery.Timeout, logger, m)
	}

	// Recording
	recorderSvc, err := recorder.NewService(recorder.Config{
		Dir:             cfg.Recording.Dir,
		Mode:            recorder.Mode(cfg.Recording.Mode),
		SegmentSeconds:  cfg.Recording.SegmentSeconds,
		PublicPrefix:    cfg.Recording.PublicPrefix,
		BaseURL:         cfg.Server.BaseURL,
		PipeOpenTimeout: cfg.Recording.PipeOpenTimeout,
		WriteTimeout:    cfg.Recording.WriteTimeout,
	}, ffmpeg, recorder.Deps{
		CallLog:  bridge,
		Notifier: notifier,
		Mirror:   mirror,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		logger.Fatal("recorder", zap.Error(err))
	}
	recordingHandler := recordings.NewHandler(recorderSvc, cfg.Recording.MaxChunkBytes, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))
	router.Use(middleware.Logger(logger, "/health", "/metrics"))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{
			"status":     "ok",
			"rooms":      registry.RoomCount(),
			"recordings": recorderSvc.Active(),
			"encoder":    ffmpeg.Available(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	recordingHandler.Register(router)
	router.Static(cfg.Recording.PublicPrefix, cfg.Recording.Dir)

	// WebSocket signaling, one room per path
	router.GET("/ws/:room_id", realtime.ServeWs(signals, wsOpts, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("port", cfg.Server.Port),
			zap.String("record_mode", cfg.Recording.Mode),
			zap.String("delivery_mode", cfg.Delivery.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := sink.Close(shutdownCtx); err != nil {
		logger.Warn("call log drain", zap.Error(err))
	}
	logger.Info("server stopped", zap.Int("open_recordings", recorderSvc.Active()))
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
