package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/julietshen/atproto-hma/internal/pipeline"
	"github.com/julietshen/atproto-hma/internal/queue"
	"github.com/julietshen/atproto-hma/internal/repository"
)

type notifyUploadRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
	BlobRef string `json:"blobRef" binding:"required"`
}

// NotifyUpload registers a freshly stored image and queues its check.
// The caller gets an id back before any moderation work happens; it
// never sees moderation failures.
func (h HandlerSet) NotifyUpload(c *gin.Context) {
	var req notifyUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ownerId and blobRef are required"})
		return
	}

	record, err := h.records.CreatePending(c.Request.Context(), req.OwnerID, req.BlobRef)
	if err != nil {
		h.log.Error().Err(err).Msg("create pending record failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	if err := h.producer.EnqueueCheck(c.Request.Context(), record.ID); err != nil {
		// The sweep and manual batch paths will find the record later.
		h.log.Warn().Err(err).Str("image_id", record.ID).Msg("enqueue check failed")
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":    record.ID,
		"state": record.State,
	})
}

// ProcessItem runs a check for one item inline and returns the match
// result. Meant for operators re-scanning a single image.
func (h HandlerSet) ProcessItem(c *gin.Context) {
	imageID := c.Param("id")

	outcome, err := h.checker.Check(c.Request.Context(), imageID, "")
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
			return
		}
		// The check failed open; the record state still reflects it.
		h.log.Warn().Err(err).Str("image_id", imageID).Msg("manual check failed")
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      imageID,
		"state":   outcome.Record.State,
		"matched": outcome.Result.Matched,
		"result":  outcome.Result,
	})
}

// ItemStatus reports the legacy boolean view derived from the state
// enum: checked/matched/action rather than raw states.
func (h HandlerSet) ItemStatus(c *gin.Context) {
	record, err := h.records.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	action := ""
	switch {
	case record.EscalationRef != nil && record.ResolvedAt != nil:
		action = "resolved"
	case record.EscalationRef != nil:
		action = "review"
	case record.Matched():
		action = "escalation_pending"
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        record.ID,
		"checked":   record.Checked(),
		"matched":   record.Matched(),
		"action":    action,
		"state":     record.State,
		"checkedAt": record.CheckedAt,
	})
}

type startBatchRequest struct {
	Limit           int  `json:"limit"`
	Offset          int  `json:"offset"`
	Concurrency     int  `json:"concurrency"`
	FilterUnchecked bool `json:"filterUnchecked"`
}

// StartBatch selects the batch population, embeds it in the task and
// returns immediately; the worker picks the task up and reports
// progress under the batch id. Embedding the ids pins the batch to the
// selection made here, so the returned count is exact even when
// records are created between enqueue and execution.
func (h HandlerSet) StartBatch(c *gin.Context) {
	var req startBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	ids, err := h.records.SelectBatch(c.Request.Context(), req.Limit, req.Offset, req.FilterUnchecked)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	batchID := uuid.NewString()
	task := queue.Task{
		Type:        queue.TaskBatch,
		BatchID:     batchID,
		ImageIDs:    ids,
		Concurrency: req.Concurrency,
	}
	if err := h.producer.Enqueue(c.Request.Context(), task); err != nil {
		h.log.Error().Err(err).Str("batch_id", batchID).Msg("enqueue batch failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batchId": batchID,
		"count":   len(ids),
	})
}

// HashItem runs the image through the bridge's hashing endpoint and
// returns the perceptual hashes without touching moderation state.
// Operator surface for inspecting what the matcher would see.
func (h HandlerSet) HashItem(c *gin.Context) {
	imageID := c.Param("id")

	record, err := h.records.GetByID(c.Request.Context(), imageID)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	data, err := h.blobs.ReadBytes(c.Request.Context(), record.BlobRef)
	if err != nil {
		if errors.Is(err, pipeline.ErrBlobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "blob_not_found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "blob_unavailable"})
		return
	}

	result, err := h.bridge.Hash(c.Request.Context(), data, record.ID)
	if err != nil {
		h.log.Error().Err(err).Str("image_id", imageID).Msg("hash request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "hash_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     record.ID,
		"hashes": result.Hashes,
	})
}

func (h HandlerSet) BatchStatus(c *gin.Context) {
	batchID := c.Param("batchId")

	status, err := h.progress.Status(c.Request.Context(), batchID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_batch"})
		return
	}

	entries, err := h.logs.ListByBatch(c.Request.Context(), batchID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"batchId":    batchID,
		"status":     status,
		"recentLogs": logEntriesResponse(entries),
	})
}
