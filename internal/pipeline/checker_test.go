package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/hma"
	"github.com/julietshen/atproto-hma/internal/model"
	"github.com/julietshen/atproto-hma/internal/moderation"
	"github.com/julietshen/atproto-hma/internal/review"
)

var errMissing = errors.New("record not found")

type fakeStore struct {
	records map[string]model.ImageRecord
	entries []model.ModerationLogEntry
	seen    map[string]bool
}

func newFakeStore(records ...model.ImageRecord) *fakeStore {
	s := &fakeStore{records: make(map[string]model.ImageRecord), seen: make(map[string]bool)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeStore) GetByID(_ context.Context, id string) (model.ImageRecord, error) {
	r, ok := s.records[id]
	if !ok {
		return model.ImageRecord{}, errMissing
	}
	return r, nil
}

func (s *fakeStore) GetByEscalationRef(_ context.Context, ref string) (model.ImageRecord, error) {
	for _, r := range s.records {
		if r.EscalationRef != nil && *r.EscalationRef == ref {
			return r, nil
		}
	}
	return model.ImageRecord{}, errMissing
}

func (s *fakeStore) ApplyTransition(_ context.Context, record model.ImageRecord, expected model.ModerationState, entry model.ModerationLogEntry) (bool, error) {
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

func (s *fakeStore) SeenEvent(_ context.Context, imageID, eventKey string) (bool, error) {
	return s.seen[imageID+"|"+eventKey], nil
}

type fakeBlobs struct {
	data map[string][]byte
}

func (b *fakeBlobs) ReadBytes(_ context.Context, ref string) ([]byte, error) {
	d, ok := b.data[ref]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return d, nil
}

type fakeBridge struct {
	result hma.MatchResult
	err    error
	calls  int
}

func (b *fakeBridge) Match(_ context.Context, _ []byte, _ float64) (hma.MatchResult, error) {
	b.calls++
	return b.result, b.err
}

type fakeReview struct {
	taskID string
	err    error
	calls  int
}

func (r *fakeReview) Submit(_ context.Context, _ []byte, _ review.Submission) (review.SubmitResult, error) {
	r.calls++
	if r.err != nil {
		return review.SubmitResult{}, r.err
	}
	return review.SubmitResult{Success: true, TaskID: r.taskID}, nil
}

// jpegBytes is a minimal JFIF prefix so the sniffer recognizes it.
var jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("JFIF payload")...)

func testPipeline(store *fakeStore, bridge *fakeBridge, reviewer *fakeReview) *Checker {
	machine := moderation.NewMachine(store, store, zerolog.Nop())
	blobs := &fakeBlobs{data: map[string][]byte{"blobs/img1": jpegBytes}}
	return NewChecker(machine, blobs, bridge, reviewer, 0.8, zerolog.Nop())
}

func TestCheck_ClearPath(t *testing.T) {
	store := newFakeStore(model.ImageRecord{ID: "img1", BlobRef: "blobs/img1", State: model.StatePending})
	bridge := &fakeBridge{result: hma.MatchResult{}}
	reviewer := &fakeReview{taskID: "task-1"}

	outcome, err := testPipeline(store, bridge, reviewer).Check(context.Background(), "img1", "")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if outcome.Record.State != model.StateClear {
		t.Errorf("expected clear, got %s", outcome.Record.State)
	}
	if reviewer.calls != 0 {
		t.Error("clear result must not reach review")
	}
	if len(store.entries) != 1 {
		t.Errorf("expected 1 log entry, got %d", len(store.entries))
	}
}

func TestCheck_MatchEscalates(t *testing.T) {
	store := newFakeStore(model.ImageRecord{ID: "img1", OwnerID: "did:plc:owner", BlobRef: "blobs/img1", State: model.StatePending})
	bridge := &fakeBridge{result: hma.MatchResult{
		Matched:    true,
		Candidates: []model.MatchCandidate{{BankName: "bank", SignalHash: "abc", Distance: 0.05}},
	}}
	reviewer := &fakeReview{taskID: "task-42"}

	outcome, err := testPipeline(store, bridge, reviewer).Check(context.Background(), "img1", "")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if outcome.Record.State != model.StateEscalated {
		t.Errorf("expected escalated, got %s", outcome.Record.State)
	}
	if outcome.Record.EscalationRef == nil || *outcome.Record.EscalationRef != "task-42" {
		t.Errorf("expected escalation ref task-42, got %v", outcome.Record.EscalationRef)
	}
	if reviewer.calls != 1 {
		t.Errorf("expected one review submission, got %d", reviewer.calls)
	}
	// One entry for the match, one for the escalation.
	if len(store.entries) != 2 {
		t.Errorf("expected 2 log entries, got %d", len(store.entries))
	}
}

func TestCheck_BridgeFailureFailsOpen(t *testing.T) {
	store := newFakeStore(model.ImageRecord{ID: "img1", BlobRef: "blobs/img1", State: model.StatePending})
	bridge := &fakeBridge{err: &hma.BridgeError{Class: hma.ClassUpstreamStatus, Status: 503}}

	outcome, err := testPipeline(store, bridge, &fakeReview{}).Check(context.Background(), "img1", "")
	if err == nil {
		t.Fatal("expected the bridge failure to surface")
	}
	if outcome.Record.State != model.StateClear {
		t.Errorf("fail-open must land in clear, got %s", outcome.Record.State)
	}
	entry := store.entries[0]
	if entry.Outcome.Action != "fail_open" || entry.Outcome.ErrorClass != "UPSTREAM_STATUS" {
		t.Errorf("unexpected fail-open entry %+v", entry.Outcome)
	}
}

func TestCheck_MissingBlobFailsOpen(t *testing.T) {
	store := newFakeStore(model.ImageRecord{ID: "img1", BlobRef: "blobs/gone", State: model.StatePending})
	bridge := &fakeBridge{}

	outcome, err := testPipeline(store, bridge, &fakeReview{}).Check(context.Background(), "img1", "")
	if err == nil {
		t.Fatal("expected a missing blob to surface")
	}
	if outcome.Record.State != model.StateClear {
		t.Errorf("fail-open must land in clear, got %s", outcome.Record.State)
	}
	if bridge.calls != 0 {
		t.Error("missing blob must not reach the bridge")
	}
	if store.entries[0].Outcome.ErrorClass != "NOT_FOUND" {
		t.Errorf("unexpected error class %q", store.entries[0].Outcome.ErrorClass)
	}
}

func TestCheck_EscalationFailureStaysMatched(t *testing.T) {
	store := newFakeStore(model.ImageRecord{ID: "img1", BlobRef: "blobs/img1", State: model.StatePending})
	bridge := &fakeBridge{result: hma.MatchResult{
		Matched:    true,
		Candidates: []model.MatchCandidate{{BankName: "bank", Distance: 0.05}},
	}}
	reviewer := &fakeReview{err: errors.New("review queue unreachable")}

	outcome, err := testPipeline(store, bridge, reviewer).Check(context.Background(), "img1", "")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if outcome.Record.State != model.StateMatched {
		t.Errorf("failed escalation must leave the record matched, got %s", outcome.Record.State)
	}
}

func TestCheck_AlreadyResolvedSkipsRerun(t *testing.T) {
	store := newFakeStore(model.ImageRecord{
		ID:      "img1",
		BlobRef: "blobs/img1",
		State:   model.StateResolved,
		MatchInfo: &model.MatchInfo{
			Threshold:  0.8,
			Candidates: []model.MatchCandidate{{BankName: "bank", Distance: 0.1}},
		},
	})
	bridge := &fakeBridge{}

	outcome, err := testPipeline(store, bridge, &fakeReview{}).Check(context.Background(), "img1", "")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if bridge.calls != 0 {
		t.Error("resolved record must not be rechecked")
	}
	if !outcome.Result.Matched || len(outcome.Result.Candidates) != 1 {
		t.Errorf("expected stored match to be echoed, got %+v", outcome.Result)
	}
}

func TestEscalate_SweepPath(t *testing.T) {
	store := newFakeStore(model.ImageRecord{
		ID:        "img1",
		OwnerID:   "did:plc:owner",
		BlobRef:   "blobs/img1",
		State:     model.StateMatched,
		MatchInfo: &model.MatchInfo{Threshold: 0.8, Candidates: []model.MatchCandidate{{BankName: "bank", Distance: 0.1}}},
	})
	reviewer := &fakeReview{taskID: "task-9"}
	checker := testPipeline(store, &fakeBridge{}, reviewer)

	record, err := checker.Escalate(context.Background(), store.records["img1"])
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if record.State != model.StateEscalated {
		t.Errorf("expected escalated, got %s", record.State)
	}
}

func TestCheck_FullLifecycle(t *testing.T) {
	store := newFakeStore(model.ImageRecord{ID: "img1", OwnerID: "did:plc:owner", BlobRef: "blobs/img1", State: model.StatePending})
	bridge := &fakeBridge{result: hma.MatchResult{
		Matched:    true,
		Candidates: []model.MatchCandidate{{BankName: "bank", SignalHash: "abc", Distance: 0.02}},
	}}
	reviewer := &fakeReview{taskID: "task-7"}
	machine := moderation.NewMachine(store, store, zerolog.Nop())
	checker := NewChecker(machine, &fakeBlobs{data: map[string][]byte{"blobs/img1": jpegBytes}}, bridge, reviewer, 0.8, zerolog.Nop())

	if _, err := checker.Check(context.Background(), "img1", ""); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	// The webhook verdict closes the loop.
	record, applied, err := machine.Apply(context.Background(), "img1", moderation.Event{
		Kind:            moderation.EventVerdict,
		Verdict:         "takedown",
		ExternalEventID: "evt-1",
		Source:          model.SourceWebhook,
	})
	if err != nil || !applied {
		t.Fatalf("verdict failed: applied=%v err=%v", applied, err)
	}
	if record.State != model.StateResolved {
		t.Errorf("expected resolved, got %s", record.State)
	}

	if len(store.entries) != 3 {
		t.Fatalf("expected 3 log entries (check, escalate, verdict), got %d", len(store.entries))
	}
	actions := make([]string, 0, 3)
	for _, e := range store.entries {
		actions = append(actions, e.Outcome.Action)
	}
	if got := strings.Join(actions, ","); got != "escalation_queued,escalated,resolved" {
		t.Errorf("unexpected action sequence %q", got)
	}
}
