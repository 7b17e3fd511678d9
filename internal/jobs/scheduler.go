package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/queue"
)

// Scheduler enqueues the periodic escalation sweep: records whose
// review submission failed stay in matched until a sweep resubmits
// them, so the sweep is what closes the at-least-once loop.
type Scheduler struct {
	cron     *cron.Cron
	producer *queue.Producer
	schedule string
	log      zerolog.Logger
}

func NewScheduler(producer *queue.Producer, schedule string, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		producer: producer,
		schedule: schedule,
		log:      log,
	}
}

func (s *Scheduler) Start() error {
	if s.producer == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.enqueueSweep); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop waits for in-flight cron jobs, bounded so shutdown cannot hang
// on a stuck enqueue.
func (s *Scheduler) Stop() {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("scheduler stop timed out")
	}
}

func (s *Scheduler) enqueueSweep() {
	if err := s.producer.Enqueue(context.Background(), queue.Task{Type: queue.TaskSweep}); err != nil {
		s.log.Error().Err(err).Msg("enqueue sweep failed")
	}
}
