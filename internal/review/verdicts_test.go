package review

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/model"
	"github.com/julietshen/atproto-hma/internal/moderation"
	"github.com/julietshen/atproto-hma/internal/repository"
)

type verdictStore struct {
	records map[string]model.ImageRecord
	entries []model.ModerationLogEntry
	seen    map[string]bool
}

func newVerdictStore(records ...model.ImageRecord) *verdictStore {
	s := &verdictStore{records: make(map[string]model.ImageRecord), seen: make(map[string]bool)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *verdictStore) GetByID(_ context.Context, id string) (model.ImageRecord, error) {
	r, ok := s.records[id]
	if !ok {
		return model.ImageRecord{}, repository.ErrRecordNotFound
	}
	return r, nil
}

func (s *verdictStore) GetByEscalationRef(_ context.Context, ref string) (model.ImageRecord, error) {
	for _, r := range s.records {
		if r.EscalationRef != nil && *r.EscalationRef == ref {
			return r, nil
		}
	}
	return model.ImageRecord{}, repository.ErrRecordNotFound
}

func (s *verdictStore) ApplyTransition(_ context.Context, record model.ImageRecord, expected model.ModerationState, entry model.ModerationLogEntry) (bool, error) {
	current, ok := s.records[record.ID]
	if !ok || current.State != expected {
		return false, nil
	}
	s.records[record.ID] = record
	key := entry.ImageID + "|" + entry.EventKey
	if !s.seen[key] {
		s.seen[key] = true
		s.entries = append(s.entries, entry)
	}
	return true, nil
}

func (s *verdictStore) SeenEvent(_ context.Context, imageID, eventKey string) (bool, error) {
	return s.seen[imageID+"|"+eventKey], nil
}

func TestVerdicts_Apply(t *testing.T) {
	ref := "task-1"
	store := newVerdictStore(model.ImageRecord{ID: "img1", State: model.StateEscalated, EscalationRef: &ref})
	v := NewVerdicts(moderation.NewMachine(store, store, zerolog.Nop()), zerolog.Nop())

	record, applied, err := v.Apply(context.Background(), "task-1", "takedown", "confirmed match", "evt-1")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !applied {
		t.Fatal("expected verdict to apply")
	}
	if record.State != model.StateResolved {
		t.Errorf("expected resolved, got %s", record.State)
	}
	entry := store.entries[0]
	if entry.Source != model.SourceWebhook || entry.Outcome.Verdict != "takedown" {
		t.Errorf("unexpected log entry %+v", entry)
	}
}

func TestVerdicts_UnknownTaskIsNoOp(t *testing.T) {
	store := newVerdictStore()
	v := NewVerdicts(moderation.NewMachine(store, store, zerolog.Nop()), zerolog.Nop())

	_, applied, err := v.Apply(context.Background(), "no-such-task", "dismiss", "", "evt-1")
	if err != nil {
		t.Fatalf("unknown task must not error, got %v", err)
	}
	if applied {
		t.Error("unknown task must be a no-op")
	}
}

func TestVerdicts_RedeliveryIsNoOp(t *testing.T) {
	ref := "task-1"
	store := newVerdictStore(model.ImageRecord{ID: "img1", State: model.StateEscalated, EscalationRef: &ref})
	v := NewVerdicts(moderation.NewMachine(store, store, zerolog.Nop()), zerolog.Nop())

	if _, applied, err := v.Apply(context.Background(), "task-1", "takedown", "", "evt-1"); err != nil || !applied {
		t.Fatalf("first delivery: applied=%v err=%v", applied, err)
	}
	_, applied, err := v.Apply(context.Background(), "task-1", "takedown", "", "evt-1")
	if err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}
	if applied {
		t.Error("redelivery must be a no-op")
	}
	if len(store.entries) != 1 {
		t.Errorf("expected one log entry, got %d", len(store.entries))
	}
}
