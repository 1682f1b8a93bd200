// Package main runs the recording repack HTTP API with WebSocket status feed
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vcs-repack/backend/config"
	"github.com/vcs-repack/backend/internal/auth"
	"github.com/vcs-repack/backend/internal/catalog"
	"github.com/vcs-repack/backend/internal/downloads"
	"github.com/vcs-repack/backend/internal/middleware"
	"github.com/vcs-repack/backend/internal/notify"
	"github.com/vcs-repack/backend/internal/orders"
	"github.com/vcs-repack/backend/internal/pipeline"
	"github.com/vcs-repack/backend/internal/realtime"
	"github.com/vcs-repack/backend/internal/recordings"
	"github.com/vcs-repack/backend/internal/registry"
	"github.com/vcs-repack/backend/internal/supervisor"
	"github.com/vcs-repack/backend/internal/tasks"
	"github.com/vcs-repack/backend/pkg/database"
	"github.com/vcs-repack/backend/pkg/queue"
	"github.com/vcs-repack/backend/pkg/redis"
	"github.com/vcs-repack/backend/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	queueClient := queue.NewClient(redisOpt, cfg.Repack.JobTimeout, logger)
	defer queueClient.Close()
	revoker := queue.NewRevoker(redisOpt)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub)

	// Repositories
	userRepo := auth.NewRepository(pool)
	catalogRepo := catalog.NewRepository(pool)
	taskRepo := tasks.NewRepository(pool)
	orderRepo := orders.NewRepository(pool)
	fileRepo := downloads.NewRepository(pool)

	// Cancellation needs to reach transcode processes started by the
	// workers; the shared registry makes that possible from here.
	procRegistry := registry.NewRedisRegistry(rdb)
	proc := supervisor.New(cfg.Repack.Command, cfg.Meeting.Resource, procRegistry, logger)

	counters := orders.NewRedisCounters(rdb)
	notifier := notify.NewQueueNotifier(queueClient)

	importer := catalog.NewImporter(cfg.Meeting.Resource, cfg.Meeting.SharedSecret, catalogRepo, logger)
	catalogSvc := catalog.NewService(catalogRepo, importer)

	orderService := orders.NewService(orderRepo, taskRepo, catalogRepo, queueClient, counters, notifier, logger)
	canceller := pipeline.NewCanceller(taskRepo, catalogSvc, counters, revoker, proc, redisPubSub, logger)

	recordingHandler := recordings.NewHandler(catalogRepo, orderService, canceller, logger)
	downloadHandler := downloads.NewHandler(fileRepo, userRepo, queueClient, logger)

	jwtValidate := func(token string) (uuid.UUID, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, err
		}
		return claims.UserID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Rooms and recordings
		api.GET("/rooms", recordingHandler.Rooms)
		api.GET("/rooms/:id/recordings", recordingHandler.ListByRoom)
		api.POST("/recordings/process", recordingHandler.Process)
		api.POST("/recordings/terminate", recordingHandler.Terminate)

		// Downloads
		api.GET("/downloads", downloadHandler.List)
		api.GET("/downloads/:id", downloadHandler.Fetch)
		api.POST("/downloads/upload", downloadHandler.RequestUpload)
		api.DELETE("/downloads/:id", middleware.RequireRole("admin"), downloadHandler.Delete)
	}

	// WebSocket status feed (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
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
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
