package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/config"
	"github.com/julietshen/atproto-hma/internal/hma"
	"github.com/julietshen/atproto-hma/internal/model"
	"github.com/julietshen/atproto-hma/internal/moderation"
	"github.com/julietshen/atproto-hma/internal/pipeline"
	"github.com/julietshen/atproto-hma/internal/queue"
	"github.com/julietshen/atproto-hma/internal/repository"
	"github.com/julietshen/atproto-hma/internal/review"
	"github.com/julietshen/atproto-hma/internal/storage"
)

// Handler collaborators are held as narrow interfaces so the HTTP
// surface can be exercised without Postgres, Redis or the bridge
// behind it.

type recordStore interface {
	CreatePending(ctx context.Context, ownerID, blobRef string) (model.ImageRecord, error)
	GetByID(ctx context.Context, id string) (model.ImageRecord, error)
	SelectBatch(ctx context.Context, limit, offset int, uncheckedOnly bool) ([]string, error)
}

type logStore interface {
	ListByImage(ctx context.Context, imageID string, limit, offset int) ([]model.ModerationLogEntry, error)
	ListByBatch(ctx context.Context, batchID string, limit int) ([]model.ModerationLogEntry, error)
	ListRecent(ctx context.Context, limit, offset int) ([]model.ModerationLogEntry, error)
}

type checkRunner interface {
	Check(ctx context.Context, imageID, batchID string) (pipeline.CheckOutcome, error)
}

type taskProducer interface {
	Enqueue(ctx context.Context, task queue.Task) error
	EnqueueCheck(ctx context.Context, imageID string) error
}

type progressReader interface {
	Status(ctx context.Context, batchID string) (pipeline.BatchStatus, error)
}

type verdictApplier interface {
	Apply(ctx context.Context, taskID, verdict, notes, externalEventID string) (model.ImageRecord, bool, error)
}

type bridgeClient interface {
	Health(ctx context.Context) hma.HealthStatus
	Hash(ctx context.Context, image []byte, filename string) (hma.HashResult, error)
}

type dbPinger interface {
	Ping(ctx context.Context) error
}

type cachePinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

type HandlerSet struct {
	log      zerolog.Logger
	cfg      *config.AppConfig
	db       dbPinger
	cache    cachePinger
	bridge   bridgeClient
	blobs    pipeline.BlobReader
	checker  checkRunner
	producer taskProducer
	progress progressReader
	verdicts verdictApplier
	records  recordStore
	logs     logStore
}

func NewHandlerSet(log zerolog.Logger, db *pgxpool.Pool, cache *redis.Client, store *storage.ObjectStore, cfg *config.AppConfig) HandlerSet {
	records := repository.NewRecordRepository(db)
	logRepo := repository.NewLogRepository(db)
	machine := moderation.NewMachine(records, logRepo, log)

	bridge := hma.NewClient(cfg.Bridge, log)
	reviewer := review.NewClient(cfg.Review, log)
	checker := pipeline.NewChecker(machine, store, bridge, reviewer, cfg.Bridge.MatchThreshold, log)

	return HandlerSet{
		log:      log,
		cfg:      cfg,
		db:       db,
		cache:    cache,
		bridge:   bridge,
		blobs:    store,
		checker:  checker,
		producer: queue.NewProducer(cache, cfg.Redis.Stream),
		progress: pipeline.NewRedisProgress(cache),
		verdicts: review.NewVerdicts(machine, log),
		records:  records,
		logs:     logRepo,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	{
		mod := v1.Group("/moderation")
		mod.POST("/uploads", h.NotifyUpload)
		mod.POST("/items/:id/process", h.ProcessItem)
		mod.POST("/items/:id/hash", h.HashItem)
		mod.GET("/items/:id/status", h.ItemStatus)
		mod.POST("/batch", h.StartBatch)
		mod.GET("/batch/:batchId/status", h.BatchStatus)
		mod.GET("/logs", h.ListLogs)

		v1.POST("/webhooks/review-verdict", h.ReviewVerdict)
	}
}
