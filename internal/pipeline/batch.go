package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type ItemResult struct {
	ImageID string `json:"imageId"`
	Matched bool   `json:"matched"`
	Error   string `json:"error,omitempty"`
}

type BatchResult struct {
	BatchID   string       `json:"batchId"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
}

// ProgressSink receives per-window progress so batch status can be
// served without talking to the worker.
type ProgressSink interface {
	Init(ctx context.Context, batchID string, total int) error
	RecordItem(ctx context.Context, batchID string, failed bool) error
}

// BatchProcessor drives the checker over a backlog in windows of size
// concurrency: every item in a window completes (success or failure)
// before the next window starts, which bounds in-flight work without a
// shared semaphore. A failing item never aborts the batch.
type BatchProcessor struct {
	checker  *Checker
	progress ProgressSink
	log      zerolog.Logger
}

func NewBatchProcessor(checker *Checker, progress ProgressSink, log zerolog.Logger) *BatchProcessor {
	return &BatchProcessor{checker: checker, progress: progress, log: log}
}

func (p *BatchProcessor) ProcessBatch(ctx context.Context, items []string, concurrency int, batchID string) BatchResult {
	if concurrency < 1 {
		concurrency = 1
	}

	result := BatchResult{
		BatchID: batchID,
		Total:   len(items),
		Items:   make([]ItemResult, len(items)),
	}

	if p.progress != nil {
		if err := p.progress.Init(ctx, batchID, len(items)); err != nil {
			p.log.Warn().Err(err).Str("batch_id", batchID).Msg("batch progress init failed")
		}
	}

	for start := 0; start < len(items); start += concurrency {
		end := start + concurrency
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				result.Items[idx] = p.processOne(ctx, items[idx], batchID)
			}(i)
		}
		wg.Wait()
	}

	for _, item := range result.Items {
		if item.Error != "" {
			result.Failed++
		} else {
			result.Succeeded++
		}
	}

	p.log.Info().
		Str("batch_id", batchID).
		Int("total", result.Total).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("batch complete")

	return result
}

func (p *BatchProcessor) processOne(ctx context.Context, imageID, batchID string) ItemResult {
	item := ItemResult{ImageID: imageID}

	outcome, err := p.checker.Check(ctx, imageID, batchID)
	if err != nil {
		item.Error = err.Error()
	} else {
		item.Matched = outcome.Record.Matched()
	}

	if p.progress != nil {
		if pErr := p.progress.RecordItem(ctx, batchID, item.Error != ""); pErr != nil {
			p.log.Warn().Err(pErr).Str("batch_id", batchID).Msg("batch progress update failed")
		}
	}

	return item
}
