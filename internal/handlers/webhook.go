package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/julietshen/atproto-hma/internal/security"
)

type reviewVerdictRequest struct {
	TaskID    string `json:"taskId"`
	EventID   string `json:"eventId"`
	Verdict   string `json:"verdict"`
	Notes     string `json:"notes"`
	DecidedAt string `json:"decidedAt"`
}

// ReviewVerdict ingests the review service's asynchronous verdict
// callback. Structurally valid payloads always get a 2xx, including
// verdicts for unknown or already-resolved records: the sender
// delivers at least once and must not be made to retry no-ops.
func (h HandlerSet) ReviewVerdict(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	signature := c.GetHeader(security.HeaderReviewSignature)
	if !security.ValidateWebhookSignature(h.cfg.Review.WebhookSecret, signature, body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	var req reviewVerdictRequest
	if err := json.Unmarshal(body, &req); err != nil || req.TaskID == "" || req.Verdict == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId and verdict are required"})
		return
	}

	if req.DecidedAt != "" {
		if _, err := time.Parse(time.RFC3339, req.DecidedAt); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "decidedAt must be RFC3339"})
			return
		}
	}

	record, applied, err := h.verdicts.Apply(c.Request.Context(), req.TaskID, req.Verdict, req.Notes, req.EventID)
	if err != nil {
		h.log.Error().Err(err).Str("task_id", req.TaskID).Msg("verdict application failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verdict_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"applied": applied,
		"imageId": record.ID,
	})
}
