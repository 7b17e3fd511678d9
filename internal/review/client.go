package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/config"
	"github.com/julietshen/atproto-hma/internal/model"
)

// Client submits matched images to the human-review service. Delivery
// is at-least-once: a failed submission leaves the record matched for
// a later sweep, and the review system tolerates duplicates.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     zerolog.Logger
}

// Submission carries the context a reviewer needs alongside the image.
type Submission struct {
	ImageID    string                 `json:"imageId"`
	OwnerID    string                 `json:"ownerId"`
	Candidates []model.MatchCandidate `json:"candidates"`
	Metadata   map[string]string      `json:"metadata,omitempty"`
}

type SubmitResult struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId"`
}

func NewClient(cfg config.ReviewConfig, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

// Submit queues an image for human review and returns the external
// task id the review service assigned.
func (c *Client) Submit(ctx context.Context, image []byte, sub Submission) (SubmitResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", sub.ImageID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("build submission: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return SubmitResult{}, fmt.Errorf("build submission: %w", err)
	}

	meta, err := json.Marshal(sub)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode submission metadata: %w", err)
	}
	if err := writer.WriteField("metadata", string(meta)); err != nil {
		return SubmitResult{}, fmt.Errorf("build submission: %w", err)
	}
	if err := writer.Close(); err != nil {
		return SubmitResult{}, fmt.Errorf("build submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/moderation/queue", &buf)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("build submission: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit for review: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("read review response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return SubmitResult{}, fmt.Errorf("review service status %d: %s", resp.StatusCode, body)
	}

	var result submitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return SubmitResult{}, fmt.Errorf("decode review response: %w", err)
	}
	if result.TaskID == "" {
		return SubmitResult{}, fmt.Errorf("review service returned no task id")
	}

	c.log.Info().
		Str("image_id", sub.ImageID).
		Str("task_id", result.TaskID).
		Msg("image submitted for review")

	return SubmitResult{Success: true, TaskID: result.TaskID}, nil
}

type submitResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
}
