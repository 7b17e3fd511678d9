package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/config"
	"github.com/julietshen/atproto-hma/internal/model"
	"github.com/julietshen/atproto-hma/internal/moderation"
	"github.com/julietshen/atproto-hma/internal/repository"
	"github.com/julietshen/atproto-hma/internal/review"
	"github.com/julietshen/atproto-hma/internal/security"
)

type webhookStore struct {
	records map[string]model.ImageRecord
	seen    map[string]bool
}

func newWebhookStore(records ...model.ImageRecord) *webhookStore {
	s := &webhookStore{records: make(map[string]model.ImageRecord), seen: make(map[string]bool)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *webhookStore) GetByID(_ context.Context, id string) (model.ImageRecord, error) {
	r, ok := s.records[id]
	if !ok {
		return model.ImageRecord{}, repository.ErrRecordNotFound
	}
	return r, nil
}

func (s *webhookStore) GetByEscalationRef(_ context.Context, ref string) (model.ImageRecord, error) {
	for _, r := range s.records {
		if r.EscalationRef != nil && *r.EscalationRef == ref {
			return r, nil
		}
	}
	return model.ImageRecord{}, repository.ErrRecordNotFound
}

func (s *webhookStore) ApplyTransition(_ context.Context, record model.ImageRecord, expected model.ModerationState, entry model.ModerationLogEntry) (bool, error) {
	current, ok := s.records[record.ID]
	if !ok || current.State != expected {
		return false, nil
	}
	s.records[record.ID] = record
	s.seen[entry.ImageID+"|"+entry.EventKey] = true
	return true, nil
}

func (s *webhookStore) SeenEvent(_ context.Context, imageID, eventKey string) (bool, error) {
	return s.seen[imageID+"|"+eventKey], nil
}

func webhookRouter(secret string, store *webhookStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	machine := moderation.NewMachine(store, store, zerolog.Nop())
	h := HandlerSet{
		log:      zerolog.Nop(),
		cfg:      &config.AppConfig{Review: config.ReviewConfig{WebhookSecret: secret}},
		verdicts: review.NewVerdicts(machine, zerolog.Nop()),
	}

	router := gin.New()
	router.POST("/api/v1/webhooks/review-verdict", h.ReviewVerdict)
	return router
}

func postVerdict(router *gin.Engine, secret string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/review-verdict", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(security.HeaderReviewSignature, security.ComputeWebhookSignature(secret, body))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestReviewVerdict_Applies(t *testing.T) {
	ref := "task-1"
	store := newWebhookStore(model.ImageRecord{ID: "img1", State: model.StateEscalated, EscalationRef: &ref})
	router := webhookRouter("secret", store)

	body := []byte(`{"taskId":"task-1","eventId":"evt-1","verdict":"takedown","decidedAt":"2026-08-30T12:00:00Z"}`)
	w := postVerdict(router, "secret", body)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status  string `json:"status"`
		Applied bool   `json:"applied"`
		ImageID string `json:"imageId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Applied || resp.ImageID != "img1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if store.records["img1"].State != model.StateResolved {
		t.Errorf("expected resolved, got %s", store.records["img1"].State)
	}
}

func TestReviewVerdict_BadSignature(t *testing.T) {
	router := webhookRouter("secret", newWebhookStore())

	body := []byte(`{"taskId":"task-1","verdict":"takedown"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/review-verdict", bytes.NewReader(body))
	req.Header.Set(security.HeaderReviewSignature, "bogus")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestReviewVerdict_MissingFields(t *testing.T) {
	router := webhookRouter("", newWebhookStore())

	for _, body := range []string{`{}`, `{"taskId":"task-1"}`, `{"verdict":"takedown"}`, `not json`} {
		w := postVerdict(router, "", []byte(body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestReviewVerdict_BadTimestamp(t *testing.T) {
	router := webhookRouter("", newWebhookStore())

	w := postVerdict(router, "", []byte(`{"taskId":"task-1","verdict":"takedown","decidedAt":"yesterday"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed decidedAt, got %d", w.Code)
	}
}

func TestReviewVerdict_UnknownTaskStill200(t *testing.T) {
	router := webhookRouter("", newWebhookStore())

	w := postVerdict(router, "", []byte(`{"taskId":"no-such-task","verdict":"dismiss"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("unknown task must still get 200, got %d", w.Code)
	}

	var resp struct {
		Applied bool `json:"applied"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Applied {
		t.Error("unknown task must report applied=false")
	}
}
