package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const progressTTL = 24 * time.Hour

// RedisProgress keeps batch counters in Redis so the API can answer
// status queries while the worker owns the batch.
type RedisProgress struct {
	client *redis.Client
}

func NewRedisProgress(client *redis.Client) *RedisProgress {
	return &RedisProgress{client: client}
}

type BatchStatus struct {
	Total     int  `json:"total"`
	Processed int  `json:"processed"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Done      bool `json:"done"`
}

func progressKey(batchID string) string {
	return "moderation:batch:" + batchID
}

func (p *RedisProgress) Init(ctx context.Context, batchID string, total int) error {
	key := progressKey(batchID)
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, "total", total, "processed", 0, "succeeded", 0, "failed", 0)
	pipe.Expire(ctx, key, progressTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisProgress) RecordItem(ctx context.Context, batchID string, failed bool) error {
	key := progressKey(batchID)
	pipe := p.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "processed", 1)
	if failed {
		pipe.HIncrBy(ctx, key, "failed", 1)
	} else {
		pipe.HIncrBy(ctx, key, "succeeded", 1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Status returns the counters for a batch. Unknown batch ids resolve
// to an error rather than zeroes so callers can 404.
func (p *RedisProgress) Status(ctx context.Context, batchID string) (BatchStatus, error) {
	values, err := p.client.HGetAll(ctx, progressKey(batchID)).Result()
	if err != nil {
		return BatchStatus{}, err
	}
	if len(values) == 0 {
		return BatchStatus{}, fmt.Errorf("unknown batch %q", batchID)
	}

	status := BatchStatus{
		Total:     atoi(values["total"]),
		Processed: atoi(values["processed"]),
		Succeeded: atoi(values["succeeded"]),
		Failed:    atoi(values["failed"]),
	}
	status.Done = status.Total > 0 && status.Processed >= status.Total
	return status, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
