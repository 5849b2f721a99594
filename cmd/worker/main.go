// Package main runs the background completion worker: interview results to
// Postgres, transcripts to S3.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-interview/voice-engine/config"
	"github.com/aura-interview/voice-engine/internal/metrics"
	"github.com/aura-interview/voice-engine/internal/results"
	"github.com/aura-interview/voice-engine/internal/worker"
	"github.com/aura-interview/voice-engine/pkg/database"
	"github.com/aura-interview/voice-engine/pkg/queue"
	"github.com/aura-interview/voice-engine/pkg/redis"
	"github.com/aura-interview/voice-engine/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Without a region transcripts stay in Postgres only.
	var archive worker.Archiver
	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:            cfg.AWS.Region,
			AccessKeyID:       cfg.AWS.AccessKeyID,
			SecretAccessKey:   cfg.AWS.SecretAccessKey,
			TranscriptsBucket: cfg.AWS.TranscriptsBucket,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			archive = s3Client
		}
	}

	collector := metrics.NewCollector("voice_worker")
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewCompletionProcessor(results.NewRepository(pool), archive, jobQueue, collector, logger)

	var metricsSrv *http.Server
	if cfg.Worker.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: collector.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener", zap.Error(err))
			}
		}()
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(stopped)
	}()
	logger.Info("worker started", zap.Bool("archive", archive != nil))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	if metricsSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		done()
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
