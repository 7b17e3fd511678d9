package review

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/model"
	"github.com/julietshen/atproto-hma/internal/moderation"
	"github.com/julietshen/atproto-hma/internal/repository"
)

// Verdicts ingests reviewer decisions and reconciles them into the
// state machine. A verdict for an unknown task or an already-resolved
// record is a no-op, never an error, so redelivered webhooks stay
// cheap for the sender.
type Verdicts struct {
	machine *moderation.Machine
	log     zerolog.Logger
}

func NewVerdicts(machine *moderation.Machine, log zerolog.Logger) *Verdicts {
	return &Verdicts{machine: machine, log: log}
}

// Apply resolves the external task reference and applies the verdict.
// The returned bool reports whether the record actually transitioned.
func (v *Verdicts) Apply(ctx context.Context, taskID, verdict, notes, externalEventID string) (model.ImageRecord, bool, error) {
	record, err := v.machine.RecordByEscalationRef(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			v.log.Warn().
				Str("task_id", taskID).
				Msg("verdict for unknown escalation, ignored")
			return model.ImageRecord{}, false, nil
		}
		return model.ImageRecord{}, false, err
	}

	return v.machine.Apply(ctx, record.ID, moderation.Event{
		Kind:            moderation.EventVerdict,
		Verdict:         verdict,
		Notes:           notes,
		ExternalEventID: externalEventID,
		Source:          model.SourceWebhook,
	})
}
