package moderation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/model"
)

type EventKind string

const (
	EventCheck    EventKind = "check"
	EventEscalate EventKind = "escalate"
	EventVerdict  EventKind = "verdict"
)

// Failure describes a check that exhausted its retry budget or could
// not fetch its input.
type Failure struct {
	Class  string `json:"class"`
	Detail string `json:"detail"`
}

// Event is one input to the state machine. Exactly one of the payload
// groups is meaningful per kind: match outcome for check events, task
// id or failure for escalate events, verdict fields for verdict events.
type Event struct {
	Kind       EventKind
	Matched    bool
	Threshold  float64
	Candidates []model.MatchCandidate
	Failure    *Failure
	TaskID     string
	Verdict    string
	Notes      string
	// ExternalEventID keys idempotent re-delivery when the sender
	// provides one (webhook deliveries); otherwise the payload hash is
	// used.
	ExternalEventID string
	Source          model.LogSource
	BatchID         string
}

// RecordStore persists state transitions. ApplyTransition writes the
// new record state and its audit entry in one atomic unit: a torn pair
// would leave a transition with no log entry that no redelivery could
// repair.
type RecordStore interface {
	GetByID(ctx context.Context, id string) (model.ImageRecord, error)
	GetByEscalationRef(ctx context.Context, ref string) (model.ImageRecord, error)
	ApplyTransition(ctx context.Context, record model.ImageRecord, expected model.ModerationState, entry model.ModerationLogEntry) (bool, error)
}

type LogStore interface {
	SeenEvent(ctx context.Context, imageID, eventKey string) (bool, error)
}

// Machine owns per-image moderation state. All state mutation flows
// through Apply; no other component writes status fields.
type Machine struct {
	records RecordStore
	logs    LogStore
	log     zerolog.Logger
}

func NewMachine(records RecordStore, logs LogStore, log zerolog.Logger) *Machine {
	return &Machine{records: records, logs: logs, log: log}
}

func (m *Machine) Record(ctx context.Context, imageID string) (model.ImageRecord, error) {
	return m.records.GetByID(ctx, imageID)
}

func (m *Machine) RecordByEscalationRef(ctx context.Context, ref string) (model.ImageRecord, error) {
	return m.records.GetByEscalationRef(ctx, ref)
}

// Apply runs one event through the transition table. The returned bool
// reports whether the event changed anything: duplicates and
// out-of-order events are swallowed as no-ops, never errors, so that
// at-least-once delivery upstream stays cheap.
func (m *Machine) Apply(ctx context.Context, imageID string, ev Event) (model.ImageRecord, bool, error) {
	record, err := m.records.GetByID(ctx, imageID)
	if err != nil {
		return model.ImageRecord{}, false, err
	}

	key := eventKey(imageID, ev)
	seen, err := m.logs.SeenEvent(ctx, imageID, key)
	if err != nil {
		return record, false, err
	}
	if seen {
		m.log.Debug().
			Str("image_id", imageID).
			Str("event", string(ev.Kind)).
			Msg("duplicate event ignored")
		return record, false, nil
	}

	next, ok := transition(record, ev)
	if !ok {
		m.log.Debug().
			Str("image_id", imageID).
			Str("event", string(ev.Kind)).
			Str("state", string(record.State)).
			Msg("event not legal in current state, ignored")
		return record, false, nil
	}

	entry := model.ModerationLogEntry{
		ImageID:  imageID,
		Outcome:  outcomeFor(next, ev),
		Source:   ev.Source,
		BatchID:  ev.BatchID,
		EventKey: key,
	}

	applied, err := m.records.ApplyTransition(ctx, next, record.State, entry)
	if err != nil {
		return record, false, err
	}
	if !applied {
		// Another delivery moved the record first.
		return record, false, nil
	}

	m.log.Info().
		Str("image_id", imageID).
		Str("event", string(ev.Kind)).
		Str("from", string(record.State)).
		Str("to", string(next.State)).
		Msg("moderation state transition")

	return next, true, nil
}

// transition computes the successor record for an event, or reports
// the event illegal in the current state. Transitions are monotonic:
// pending -> clear|matched -> escalated -> resolved, with clear
// re-promotable by a later rescan.
func transition(record model.ImageRecord, ev Event) (model.ImageRecord, bool) {
	now := time.Now().UTC()
	next := record

	switch ev.Kind {
	case EventCheck:
		if record.State != model.StatePending && record.State != model.StateClear {
			return record, false
		}
		next.CheckedAt = &now
		if ev.Failure != nil {
			// Fail-open: a check that cannot complete must not pin the
			// record in pending forever.
			next.State = model.StateClear
			next.MatchInfo = nil
			return next, true
		}
		if ev.Matched {
			next.State = model.StateMatched
			next.MatchInfo = &model.MatchInfo{
				Threshold:  ev.Threshold,
				Candidates: ev.Candidates,
			}
		} else {
			next.State = model.StateClear
			next.MatchInfo = nil
		}
		return next, true

	case EventEscalate:
		if record.State != model.StateMatched {
			return record, false
		}
		if ev.TaskID == "" {
			// Submission failed; the record stays matched so the sweep
			// can pick it up later.
			return next, true
		}
		next.State = model.StateEscalated
		next.EscalationRef = &ev.TaskID
		return next, true

	case EventVerdict:
		if record.State != model.StateEscalated {
			return record, false
		}
		next.State = model.StateResolved
		next.ResolvedAt = &now
		return next, true
	}

	return record, false
}

func outcomeFor(next model.ImageRecord, ev Event) model.Outcome {
	switch ev.Kind {
	case EventCheck:
		if ev.Failure != nil {
			return model.Outcome{
				Error:      ev.Failure.Detail,
				ErrorClass: ev.Failure.Class,
				Action:     "fail_open",
			}
		}
		action := "clear"
		if ev.Matched {
			action = "escalation_queued"
		}
		return model.Outcome{
			Matched:    ev.Matched,
			Candidates: ev.Candidates,
			Action:     action,
		}
	case EventEscalate:
		if ev.TaskID == "" {
			return model.Outcome{
				Matched:    true,
				Error:      ev.Notes,
				ErrorClass: "ESCALATION_FAILED",
				Action:     "retry_pending",
			}
		}
		return model.Outcome{Matched: true, Action: "escalated"}
	case EventVerdict:
		return model.Outcome{
			Matched: next.MatchInfo != nil,
			Action:  "resolved",
			Verdict: ev.Verdict,
			Notes:   ev.Notes,
		}
	}
	return model.Outcome{}
}

// eventKey builds the idempotency key for an event: the external event
// id when the sender supplies one, a content hash of the payload
// otherwise.
func eventKey(imageID string, ev Event) string {
	if ev.ExternalEventID != "" {
		return fmt.Sprintf("%s:%s", ev.Kind, ev.ExternalEventID)
	}

	payload, _ := json.Marshal(struct {
		Kind       EventKind              `json:"kind"`
		Matched    bool                   `json:"matched"`
		Threshold  float64                `json:"threshold"`
		Candidates []model.MatchCandidate `json:"candidates"`
		Failure    *Failure               `json:"failure"`
		TaskID     string                 `json:"taskId"`
		Verdict    string                 `json:"verdict"`
		Notes      string                 `json:"notes"`
		BatchID    string                 `json:"batchId"`
	}{ev.Kind, ev.Matched, ev.Threshold, ev.Candidates, ev.Failure, ev.TaskID, ev.Verdict, ev.Notes, ev.BatchID})

	sum := sha256.Sum256(append([]byte(imageID+":"), payload...))
	return fmt.Sprintf("%s:%s", ev.Kind, hex.EncodeToString(sum[:16]))
}
