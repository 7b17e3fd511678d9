package hma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/julietshen/atproto-hma/internal/config"
	"github.com/julietshen/atproto-hma/internal/model"
)

// Client talks to the perceptual-hash matching service through the
// translating bridge. Every call carries a timeout; transport and 5xx
// failures are retried with a fixed delay between attempts.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	attempts int
	delay    time.Duration
	log      zerolog.Logger
}

type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type HashResult struct {
	// Hashes maps algorithm name (e.g. "pdq") to the hash value.
	Hashes map[string]string `json:"hashes"`
}

type MatchResult struct {
	Matched    bool                   `json:"matched"`
	Candidates []model.MatchCandidate `json:"candidates"`
}

// Significant returns the candidates whose similarity clears the
// threshold the lookup was made with.
func (r MatchResult) Significant(threshold float64) []model.MatchCandidate {
	var out []model.MatchCandidate
	for _, c := range r.Candidates {
		if c.Similarity() >= threshold {
			out = append(out, c)
		}
	}
	return out
}

func NewClient(cfg config.BridgeConfig, log zerolog.Logger) *Client {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		baseURL:  strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: cfg.Timeout},
		attempts: attempts,
		delay:    cfg.RetryDelay,
		log:      log,
	}
}

// Health probes the bridge's well-known health path. It never returns
// an error: a transport failure is reported as an unhealthy status.
func (c *Client) Health(ctx context.Context) HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return HealthStatus{Healthy: false, Detail: err.Error()}
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("bridge health check failed")
		return HealthStatus{Healthy: false, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn().Int("status", resp.StatusCode).Msg("bridge health check degraded")
		return HealthStatus{Healthy: false, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, body)}
	}

	return HealthStatus{Healthy: true}
}

// Hash submits the image bytes for perceptual hashing.
func (c *Client) Hash(ctx context.Context, image []byte, filename string) (HashResult, error) {
	var result HashResult
	err := c.postImage(ctx, "/hashing/hash", image, filename, nil, ClassProcessing, func(body []byte) error {
		var hashes map[string]string
		if err := json.Unmarshal(body, &hashes); err != nil {
			return fmt.Errorf("decode hash response: %w", err)
		}
		result.Hashes = hashes
		return nil
	})
	if err != nil {
		return HashResult{}, err
	}

	c.log.Debug().Str("file", filename).Int("algorithms", len(result.Hashes)).Msg("image hashed")
	return result, nil
}

// Match checks the image against the configured signal banks. Matched
// is derived from the candidates the service returns, never from any
// flag in the response: an upstream that answers matched=false while
// listing candidates is treated as matched.
func (c *Client) Match(ctx context.Context, image []byte, threshold float64) (MatchResult, error) {
	fields := map[string]string{
		"threshold": strconv.FormatFloat(threshold, 'f', -1, 64),
	}

	var raw matchResponse
	err := c.postImage(ctx, "/matching/match", image, "image", fields, ClassMatchAPI, func(body []byte) error {
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("decode match response: %w", err)
		}
		return nil
	})
	if err != nil {
		return MatchResult{}, err
	}

	result := MatchResult{Candidates: raw.candidates()}
	result.Matched = len(result.Significant(threshold)) > 0

	if result.Matched {
		c.log.Warn().
			Int("candidates", len(result.Candidates)).
			Float64("threshold", threshold).
			Msg("image matched signal bank")
	} else {
		c.log.Debug().
			Int("candidates", len(result.Candidates)).
			Msg("image clear")
	}

	return result, nil
}

type matchResponse struct {
	Matched bool                          `json:"matched"`
	Matches map[string][]candidatePayload `json:"matches"`
}

type candidatePayload struct {
	BankName string            `json:"bank_name"`
	Hash     string            `json:"hash"`
	Distance float64           `json:"distance"`
	Metadata map[string]string `json:"metadata"`
}

func (r matchResponse) candidates() []model.MatchCandidate {
	var out []model.MatchCandidate
	for bank, hits := range r.Matches {
		for _, hit := range hits {
			name := hit.BankName
			if name == "" {
				name = bank
			}
			out = append(out, model.MatchCandidate{
				BankName:   name,
				SignalHash: hit.Hash,
				Distance:   hit.Distance,
				Metadata:   hit.Metadata,
			})
		}
	}
	return out
}

// postImage runs one multipart upload under the retry policy and hands
// the successful response body to decode.
func (c *Client) postImage(ctx context.Context, path string, image []byte, filename string, fields map[string]string, badRequestClass ErrorClass, decode func([]byte) error) error {
	var lastErr *BridgeError

	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return &BridgeError{Class: ClassTransport, Err: ctx.Err()}
			case <-time.After(c.delay):
			}
		}

		bErr := c.postImageOnce(ctx, path, image, filename, fields, badRequestClass, decode)
		if bErr == nil {
			return nil
		}
		lastErr = bErr

		c.log.Error().
			Str("path", path).
			Int("attempt", attempt).
			Int("max_attempts", c.attempts).
			Str("class", string(bErr.Class)).
			Err(bErr).
			Msg("bridge call failed")

		if !bErr.Retryable() {
			break
		}
	}

	return lastErr
}

func (c *Client) postImageOnce(ctx context.Context, path string, image []byte, filename string, fields map[string]string, badRequestClass ErrorClass, decode func([]byte) error) *BridgeError {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return &BridgeError{Class: ClassProcessing, Err: err}
	}
	if _, err := part.Write(image); err != nil {
		return &BridgeError{Class: ClassProcessing, Err: err}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return &BridgeError{Class: ClassProcessing, Err: err}
		}
	}
	if err := writer.Close(); err != nil {
		return &BridgeError{Class: ClassProcessing, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return &BridgeError{Class: ClassProcessing, Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &BridgeError{Class: ClassTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &BridgeError{Class: ClassTransport, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := decode(body); err != nil {
			return &BridgeError{Class: ClassProcessing, Err: err}
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &BridgeError{Class: ClassFileNotFound, Status: resp.StatusCode, Body: string(body)}
	case resp.StatusCode >= 500:
		return &BridgeError{Class: ClassUpstreamStatus, Status: resp.StatusCode, Body: string(body)}
	default:
		return &BridgeError{Class: badRequestClass, Status: resp.StatusCode, Body: string(body)}
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
