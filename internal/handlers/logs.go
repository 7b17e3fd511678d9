package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/julietshen/atproto-hma/internal/model"
)

// ListLogs pages through the append-only moderation audit trail,
// optionally scoped to one image.
func (h HandlerSet) ListLogs(c *gin.Context) {
	limit := 100
	offset := 0

	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v > 0 {
		offset = v
	}

	var (
		entries []model.ModerationLogEntry
		err     error
	)
	if imageID := c.Query("imageId"); imageID != "" {
		entries, err = h.logs.ListByImage(c.Request.Context(), imageID, limit, offset)
	} else {
		entries, err = h.logs.ListRecent(c.Request.Context(), limit, offset)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items": logEntriesResponse(entries),
	})
}

func logEntriesResponse(entries []model.ModerationLogEntry) []gin.H {
	items := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		items = append(items, gin.H{
			"id":        entry.ID,
			"imageId":   entry.ImageID,
			"outcome":   entry.Outcome,
			"source":    entry.Source,
			"batchId":   entry.BatchID,
			"createdAt": entry.CreatedAt,
		})
	}
	return items
}
