package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/cache"
	"github.com/julietshen/atproto-hma/internal/config"
	"github.com/julietshen/atproto-hma/internal/database"
	"github.com/julietshen/atproto-hma/internal/handlers"
	"github.com/julietshen/atproto-hma/internal/jobs"
	"github.com/julietshen/atproto-hma/internal/log"
	"github.com/julietshen/atproto-hma/internal/queue"
	"github.com/julietshen/atproto-hma/internal/server"
	"github.com/julietshen/atproto-hma/internal/storage"
)

func main() {
	resolver, err := config.NewResolver(nil)
	if err != nil {
		panic(err)
	}
	cfg, err := resolver.Config()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	// Emits the bridge/service misconfiguration warning at startup
	// rather than on first use.
	if _, err := resolver.WithLogger(logger).ResolveEndpoint(config.RoleBridge); err != nil {
		logger.Warn().Err(err).Msg("bridge endpoint unresolvable")
	}

	ctx := context.Background()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}

	handlerSet := handlers.NewHandlerSet(logger, dbPool, redisClient, objectStore, cfg)
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	producer := queue.NewProducer(redisClient, cfg.Redis.Stream)
	scheduler := jobs.NewScheduler(producer, cfg.Batch.SweepSchedule, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, dbPool, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, db *pgxpool.Pool, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	scheduler.Stop()

	db.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
