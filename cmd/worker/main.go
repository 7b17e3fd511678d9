package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/julietshen/atproto-hma/internal/cache"
	"github.com/julietshen/atproto-hma/internal/config"
	"github.com/julietshen/atproto-hma/internal/database"
	"github.com/julietshen/atproto-hma/internal/hma"
	"github.com/julietshen/atproto-hma/internal/log"
	"github.com/julietshen/atproto-hma/internal/moderation"
	"github.com/julietshen/atproto-hma/internal/pipeline"
	"github.com/julietshen/atproto-hma/internal/queue"
	"github.com/julietshen/atproto-hma/internal/repository"
	"github.com/julietshen/atproto-hma/internal/review"
	"github.com/julietshen/atproto-hma/internal/storage"
	"github.com/julietshen/atproto-hma/internal/tasks"
)

const claimInterval = 30 * time.Second

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer dbPool.Close()

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer redisClient.Close()

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}

	records := repository.NewRecordRepository(dbPool)
	logRepo := repository.NewLogRepository(dbPool)
	machine := moderation.NewMachine(records, logRepo, logger)

	bridge := hma.NewClient(cfg.Bridge, logger)
	reviewer := review.NewClient(cfg.Review, logger)
	checker := pipeline.NewChecker(machine, objectStore, bridge, reviewer, cfg.Bridge.MatchThreshold, logger)
	progress := pipeline.NewRedisProgress(redisClient)
	batches := pipeline.NewBatchProcessor(checker, progress, logger)

	processor := tasks.NewProcessor(checker, batches, records, cfg.Batch.Concurrency, logger)
	consumer := queue.NewConsumer(
		redisClient,
		cfg.Redis.Stream,
		cfg.Redis.Group,
		cfg.Redis.Consumer,
		claimInterval,
		logger,
		processor,
	)
	if err := consumer.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("consumer group setup failed")
	}

	go func() {
		if err := consumer.Start(ctx); err != nil && err != context.Canceled {
			logger.Fatal().Err(err).Msg("consumer stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	time.Sleep(500 * time.Millisecond)
}
