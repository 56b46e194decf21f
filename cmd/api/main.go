package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crmsync/batch-engine/internal/catalog"
	"github.com/crmsync/batch-engine/internal/config"
	"github.com/crmsync/batch-engine/internal/handler"
	"github.com/crmsync/batch-engine/internal/infra/postgresql"
	"github.com/crmsync/batch-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/crmsync/batch-engine/internal/infra/redis"
	"github.com/crmsync/batch-engine/internal/observability"
	"github.com/crmsync/batch-engine/internal/progress"
	"github.com/crmsync/batch-engine/internal/queue"
	"github.com/crmsync/batch-engine/internal/remote"
	"github.com/crmsync/batch-engine/internal/repository"
	"github.com/crmsync/batch-engine/internal/selector"
	"github.com/crmsync/batch-engine/internal/service"
	"github.com/crmsync/batch-engine/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RemoteRateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rmq.Close()

	publisher := queue.NewPublisher(rmq, logger)
	consumer := queue.NewConsumer(rmq, cfg.SyncConcurrency, logger)

	jobRepo := repository.NewGormBatchJobRepo(db)
	recordRepo := repository.NewGormRecordStatusRepo(db)
	sessionRepo := repository.NewGormSessionRepo(db)
	conflictRepo := repository.NewGormConflictRepo(db)
	localRepo := repository.NewGormLocalRecordRepo(db)

	cat := catalog.NewStaticCatalog()
	sel, err := selector.NewSelector(localRepo, cfg.SelectorMaxRecords)
	if err != nil {
		logger.Fatal("selector initialization failed", zap.Error(err))
	}

	gateway, err := remote.NewCRMClient(cfg.CRMBaseURL, cfg.CRMAPIToken,
		time.Duration(cfg.RemoteTimeoutSeconds)*time.Second)
	if err != nil {
		logger.Fatal("crm client initialization failed", zap.Error(err))
	}

	hub := progress.NewHub(cfg.ProgressBuffer)
	metrics := observability.NewMetrics()

	batchService, err := service.NewBatchService(
		jobRepo, recordRepo, localRepo, sessionRepo,
		cat, sel, publisher, hub, cfg.MaxRetryAttempts, logger,
	)
	if err != nil {
		logger.Fatal("batch service initialization failed", zap.Error(err))
	}

	worker, err := service.NewSyncWorker(
		jobRepo, recordRepo, sessionRepo, conflictRepo,
		gateway, cat, limiter, hub, cfg.SyncConcurrency, logger,
	)
	if err != nil {
		logger.Fatal("sync worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)

	recoveryService, err := service.NewRecoveryService(jobRepo, recordRepo, sessionRepo, publisher, logger)
	if err != nil {
		logger.Fatal("recovery service initialization failed", zap.Error(err))
	}

	conflictService, err := service.NewConflictService(jobRepo, recordRepo, conflictRepo, localRepo, logger)
	if err != nil {
		logger.Fatal("conflict service initialization failed", zap.Error(err))
	}

	runner, err := service.NewRunner(consumer, batchService, worker, logger)
	if err != nil {
		logger.Fatal("runner initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, rmq)
	if err := handler.RegisterBatchRoutes(app, batchService, cat, sel); err != nil {
		logger.Fatal("batch route registration failed", zap.Error(err))
	}
	if err := handler.RegisterSessionRoutes(app, recoveryService, hub); err != nil {
		logger.Fatal("session route registration failed", zap.Error(err))
	}
	if err := handler.RegisterConflictRoutes(app, conflictService); err != nil {
		logger.Fatal("conflict route registration failed", zap.Error(err))
	}
	app.Get("/metrics", metricsHandler(metrics.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return runner.Start(groupCtx)
	})

	group.Go(func() error {
		logger.Info("batch-engine api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("api terminated", zap.Error(err))
	}
}

func metricsHandler(h http.Handler) fiber.Handler {
	fastHandler := fasthttpadaptor.NewFastHTTPHandler(h)
	return func(c *fiber.Ctx) error {
		fastHandler(c.Context())
		return nil
	}
}
