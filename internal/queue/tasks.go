package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	TaskCheck = "check"
	TaskBatch = "batch"
	TaskSweep = "sweep"
)

// Task is one unit of background moderation work. Single-image checks
// enqueued on upload and batch backfills ride the same stream, so one
// worker pool bounds concurrency for both. Batch tasks carry the ids
// selected at enqueue time; Limit/Offset describe a selection the
// worker runs itself when ImageIDs is empty.
type Task struct {
	Type          string   `json:"type"`
	ImageID       string   `json:"imageId,omitempty"`
	BatchID       string   `json:"batchId,omitempty"`
	ImageIDs      []string `json:"imageIds,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	Offset        int      `json:"offset,omitempty"`
	Concurrency   int      `json:"concurrency,omitempty"`
	UncheckedOnly bool     `json:"uncheckedOnly,omitempty"`
}

// Producer enqueues tasks onto the moderation stream. Enqueueing is
// the only moderation work done on the upload path.
type Producer struct {
	client *redis.Client
	stream string
}

func NewProducer(client *redis.Client, stream string) *Producer {
	return &Producer{client: client, stream: stream}
}

func (p *Producer) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":    task.Type,
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s task: %w", task.Type, err)
	}
	return nil
}

func (p *Producer) EnqueueCheck(ctx context.Context, imageID string) error {
	return p.Enqueue(ctx, Task{Type: TaskCheck, ImageID: imageID})
}

func decodeTask(values map[string]any) (Task, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return Task{}, fmt.Errorf("message has no payload field")
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}
