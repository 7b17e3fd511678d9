package tasks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/model"
	"github.com/julietshen/atproto-hma/internal/pipeline"
	"github.com/julietshen/atproto-hma/internal/queue"
)

const sweepPageSize = 100

type ImageChecker interface {
	Check(ctx context.Context, imageID, batchID string) (pipeline.CheckOutcome, error)
	Escalate(ctx context.Context, record model.ImageRecord) (model.ImageRecord, error)
}

type BatchRunner interface {
	ProcessBatch(ctx context.Context, items []string, concurrency int, batchID string) pipeline.BatchResult
}

type RecordSource interface {
	SelectBatch(ctx context.Context, limit, offset int, uncheckedOnly bool) ([]string, error)
	ListByState(ctx context.Context, state model.ModerationState, limit int) ([]model.ImageRecord, error)
}

// Processor executes moderation tasks pulled off the stream. It is
// the only writer of moderation state for background work.
type Processor struct {
	checker            ImageChecker
	batches            BatchRunner
	records            RecordSource
	defaultConcurrency int
	log                zerolog.Logger
}

func NewProcessor(checker ImageChecker, batches BatchRunner, records RecordSource, defaultConcurrency int, log zerolog.Logger) *Processor {
	return &Processor{
		checker:            checker,
		batches:            batches,
		records:            records,
		defaultConcurrency: defaultConcurrency,
		log:                log,
	}
}

func (p *Processor) Handle(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskCheck:
		_, err := p.checker.Check(ctx, task.ImageID, task.BatchID)
		return err
	case queue.TaskBatch:
		return p.handleBatch(ctx, task)
	case queue.TaskSweep:
		return p.handleSweep(ctx)
	default:
		p.log.Warn().Str("type", task.Type).Msg("unknown task type")
		return nil
	}
}

// handleBatch runs the ids pinned in the task; a task without ids
// (manually injected) selects its own population.
func (p *Processor) handleBatch(ctx context.Context, task queue.Task) error {
	ids := task.ImageIDs
	if len(ids) == 0 {
		var err error
		ids, err = p.records.SelectBatch(ctx, task.Limit, task.Offset, task.UncheckedOnly)
		if err != nil {
			return fmt.Errorf("select batch items: %w", err)
		}
	}

	concurrency := task.Concurrency
	if concurrency < 1 {
		concurrency = p.defaultConcurrency
	}

	p.batches.ProcessBatch(ctx, ids, concurrency, task.BatchID)
	return nil
}

// handleSweep retries escalation for records stuck in matched after a
// failed submission, then checks any pending records whose enqueue was
// lost. Both paths are at-least-once by design; the state machine and
// the review system tolerate duplicates.
func (p *Processor) handleSweep(ctx context.Context) error {
	stuck, err := p.records.ListByState(ctx, model.StateMatched, sweepPageSize)
	if err != nil {
		return fmt.Errorf("list matched records: %w", err)
	}

	for _, record := range stuck {
		if _, err := p.checker.Escalate(ctx, record); err != nil {
			p.log.Error().Err(err).Str("image_id", record.ID).Msg("sweep escalation failed")
		}
	}

	unchecked, err := p.records.ListByState(ctx, model.StatePending, sweepPageSize)
	if err != nil {
		return fmt.Errorf("list pending records: %w", err)
	}

	for _, record := range unchecked {
		if _, err := p.checker.Check(ctx, record.ID, ""); err != nil {
			p.log.Error().Err(err).Str("image_id", record.ID).Msg("sweep check failed")
		}
	}

	if len(stuck) > 0 || len(unchecked) > 0 {
		p.log.Info().
			Int("escalations", len(stuck)).
			Int("checks", len(unchecked)).
			Msg("sweep complete")
	}
	return nil
}
