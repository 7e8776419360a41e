// Package main runs the background job worker (tracker commands, payroll archive to S3).
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/redlegion/eventpay/config"
	"github.com/redlegion/eventpay/internal/events"
	"github.com/redlegion/eventpay/internal/payroll"
	"github.com/redlegion/eventpay/internal/presence"
	"github.com/redlegion/eventpay/internal/tracker"
	"github.com/redlegion/eventpay/internal/worker"
	"github.com/redlegion/eventpay/pkg/database"
	"github.com/redlegion/eventpay/pkg/keylock"
	"github.com/redlegion/eventpay/pkg/queue"
	"github.com/redlegion/eventpay/pkg/redis"
	"github.com/redlegion/eventpay/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jobQueue := queue.NewQueue(rdb.Client, logger)
	eventRepo := events.NewRepository(pool)

	var trackerClient worker.Tracker
	if cfg.Tracker.Mode == config.TrackerModeHTTP {
		trackerClient = tracker.NewClient(cfg.Tracker.BotAPIURL, cfg.Tracker.Timeout, logger)
	}

	// The archive job rebuilds the export from the database; prices are never re-resolved for a finalized payroll.
	var exporter worker.Exporter
	var uploader worker.Uploader
	if cfg.AWS.ArchiveEnabled {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		presenceSvc := presence.NewService(presence.NewRepository(pool), eventRepo, presence.WithLogger(logger))
		exporter = payroll.NewService(payroll.NewRepository(pool), eventRepo, presenceSvc, nil, keylock.New(), payroll.WithLogger(logger))
		uploader = s3Client
	}

	processor := worker.NewProcessor(jobQueue, trackerClient, exporter, uploader, logger, worker.WithEvents(eventRepo))

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracker commands and archive jobs drain independently so a slow upload never delays a start/stop.
	var wg sync.WaitGroup
	for _, key := range []string{queue.QueueTracker, queue.QueueArchive} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			processor.Run(workerCtx, key)
		}(key)
	}
	logger.Info("worker started",
		zap.Bool("tracker", trackerClient != nil),
		zap.Bool("archive", uploader != nil),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	wg.Wait()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
