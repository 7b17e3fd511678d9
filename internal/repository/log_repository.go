package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/julietshen/atproto-hma/internal/model"
)

type LogRepository struct {
	pool *pgxpool.Pool
}

func NewLogRepository(pool *pgxpool.Pool) *LogRepository {
	return &LogRepository{pool: pool}
}

const logColumns = `id, image_id, outcome, source, batch_id, event_key, created_at`

const insertLogQuery = `
	INSERT INTO moderation_logs (image_id, outcome, source, batch_id, event_key, created_at)
	VALUES ($1, $2, $3, $4, $5, NOW())
	ON CONFLICT (image_id, event_key) DO NOTHING
`

// appendEntry inserts one audit entry inside the caller's transaction.
// The (image_id, event_key) uniqueness makes re-delivered events
// collide instead of duplicating history.
func appendEntry(ctx context.Context, tx pgx.Tx, entry model.ModerationLogEntry) error {
	outcome, err := json.Marshal(entry.Outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	if _, err := tx.Exec(ctx, insertLogQuery,
		entry.ImageID,
		outcome,
		entry.Source,
		entry.BatchID,
		entry.EventKey,
	); err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

func (r *LogRepository) SeenEvent(ctx context.Context, imageID, eventKey string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM moderation_logs WHERE image_id = $1 AND event_key = $2
		)
	`

	var seen bool
	if err := r.pool.QueryRow(ctx, query, imageID, eventKey).Scan(&seen); err != nil {
		return false, fmt.Errorf("check event key: %w", err)
	}
	return seen, nil
}

func (r *LogRepository) ListByImage(ctx context.Context, imageID string, limit, offset int) ([]model.ModerationLogEntry, error) {
	const query = `
		SELECT ` + logColumns + `
		FROM moderation_logs
		WHERE image_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.list(ctx, query, imageID, limit, offset)
}

func (r *LogRepository) ListByBatch(ctx context.Context, batchID string, limit int) ([]model.ModerationLogEntry, error) {
	const query = `
		SELECT ` + logColumns + `
		FROM moderation_logs
		WHERE batch_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.list(ctx, query, batchID, limit)
}

func (r *LogRepository) ListRecent(ctx context.Context, limit, offset int) ([]model.ModerationLogEntry, error) {
	const query = `
		SELECT ` + logColumns + `
		FROM moderation_logs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	return r.list(ctx, query, limit, offset)
}

func (r *LogRepository) list(ctx context.Context, query string, args ...any) ([]model.ModerationLogEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.ModerationLogEntry
	for rows.Next() {
		var (
			entry   model.ModerationLogEntry
			outcome []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.ImageID,
			&outcome,
			&entry.Source,
			&entry.BatchID,
			&entry.EventKey,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(outcome, &entry.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
