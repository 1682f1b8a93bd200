// Package main runs the background job worker: transcodes, uploads, order
// settlement, catalog imports and summary mail.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vcs-repack/backend/config"
	"github.com/vcs-repack/backend/internal/auth"
	"github.com/vcs-repack/backend/internal/catalog"
	"github.com/vcs-repack/backend/internal/downloads"
	"github.com/vcs-repack/backend/internal/notify"
	"github.com/vcs-repack/backend/internal/orders"
	"github.com/vcs-repack/backend/internal/pipeline"
	"github.com/vcs-repack/backend/internal/realtime"
	"github.com/vcs-repack/backend/internal/registry"
	"github.com/vcs-repack/backend/internal/supervisor"
	"github.com/vcs-repack/backend/internal/tasks"
	"github.com/vcs-repack/backend/pkg/database"
	"github.com/vcs-repack/backend/pkg/queue"
	"github.com/vcs-repack/backend/pkg/redis"
	"github.com/vcs-repack/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		Bucket:          cfg.AWS.Bucket,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	queueClient := queue.NewClient(redisOpt, cfg.Repack.JobTimeout, logger)
	defer queueClient.Close()

	// Repositories and shared infrastructure
	userRepo := auth.NewRepository(pool)
	catalogRepo := catalog.NewRepository(pool)
	taskRepo := tasks.NewRepository(pool)
	orderRepo := orders.NewRepository(pool)
	fileRepo := downloads.NewRepository(pool)

	importer := catalog.NewImporter(cfg.Meeting.Resource, cfg.Meeting.SharedSecret, catalogRepo, logger)
	catalogSvc := catalog.NewService(catalogRepo, importer)

	procRegistry := registry.NewRedisRegistry(rdb)
	proc := supervisor.New(cfg.Repack.Command, cfg.Meeting.Resource, procRegistry, logger)
	counters := orders.NewRedisCounters(rdb)
	publisher := realtime.NewRedisPubSub(rdb.Client, logger)
	notifier := notify.NewQueueNotifier(queueClient)

	repackWorker := pipeline.NewWorker(taskRepo, catalogSvc, userRepo, orderRepo, fileRepo,
		s3Client, proc, procRegistry, counters, publisher,
		cfg.Repack.WorkRoot, cfg.Repack.ArchiveRoot, logger)
	uploader := pipeline.NewUploader(taskRepo, catalogSvc, fileRepo, s3Client,
		cfg.Repack.WorkRoot, logger)
	orderService := orders.NewService(orderRepo, taskRepo, catalogRepo, queueClient, counters, notifier, logger)
	mailer := notify.NewMailer(cfg.Email, userRepo, logger)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Repack.Concurrency + 2,
		Queues: map[string]int{
			queue.QueueRepack:  cfg.Repack.Concurrency,
			queue.QueueDefault: 2,
		},
		Logger: asynqLogger{logger.Sugar()},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRepack, repackWorker.HandleRepack)
	mux.HandleFunc(queue.TypeUpload, uploader.HandleUpload)
	mux.HandleFunc(queue.TypeOrderSummary, mailer.HandleOrderSummary)
	mux.HandleFunc(queue.TypeCheckOrders, func(ctx context.Context, _ *asynq.Task) error {
		return orderService.CheckCompletion(ctx)
	})
	mux.HandleFunc(queue.TypeCatalogImport, func(ctx context.Context, _ *asynq.Task) error {
		return importer.Run(ctx)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: asynqLogger{logger.Sugar()}})
	if _, err := scheduler.Register("@every 1m",
		asynq.NewTask(queue.TypeCheckOrders, nil), asynq.Queue(queue.QueueDefault)); err != nil {
		logger.Fatal("register completion check", zap.Error(err))
	}
	if _, err := scheduler.Register("@every 10m",
		asynq.NewTask(queue.TypeCatalogImport, nil), asynq.Queue(queue.QueueDefault)); err != nil {
		logger.Fatal("register catalog import", zap.Error(err))
	}

	if err := scheduler.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	if err := srv.Start(mux); err != nil {
		logger.Fatal("worker", zap.Error(err))
	}
	logger.Info("worker started",
		zap.Int("concurrency", cfg.Repack.Concurrency),
		zap.String("command", cfg.Repack.Command))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info("worker stopped")
}

// asynqLogger adapts zap to asynq's logging interface.
type asynqLogger struct {
	s *zap.SugaredLogger
}

func (l asynqLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l asynqLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l asynqLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l asynqLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l asynqLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
