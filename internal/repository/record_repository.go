package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/julietshen/atproto-hma/internal/ids"
	"github.com/julietshen/atproto-hma/internal/model"
)

var ErrRecordNotFound = errors.New("image record not found")

type RecordRepository struct {
	pool *pgxpool.Pool
}

func NewRecordRepository(pool *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{pool: pool}
}

const recordColumns = `
	id, owner_id, blob_ref, state, match_info, escalation_ref,
	checked_at, resolved_at, created_at, updated_at
`

func (r *RecordRepository) CreatePending(ctx context.Context, ownerID, blobRef string) (model.ImageRecord, error) {
	const query = `
		INSERT INTO image_records (id, owner_id, blob_ref, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at, updated_at
	`

	record := model.ImageRecord{
		ID:      ids.New(),
		OwnerID: ownerID,
		BlobRef: blobRef,
		State:   model.StatePending,
	}

	row := r.pool.QueryRow(ctx, query, record.ID, record.OwnerID, record.BlobRef, record.State)
	if err := row.Scan(&record.CreatedAt, &record.UpdatedAt); err != nil {
		return model.ImageRecord{}, fmt.Errorf("insert record: %w", err)
	}
	return record, nil
}

func (r *RecordRepository) GetByID(ctx context.Context, id string) (model.ImageRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM image_records WHERE id = $1`
	return r.scanRecord(r.pool.QueryRow(ctx, query, id))
}

func (r *RecordRepository) GetByEscalationRef(ctx context.Context, ref string) (model.ImageRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM image_records WHERE escalation_ref = $1`
	return r.scanRecord(r.pool.QueryRow(ctx, query, ref))
}

// ApplyTransition persists the record's new state together with its
// audit entry in one transaction, guarded by the state the transition
// was computed from. A false return means another delivery won the
// race; the caller treats that as a no-op. The transaction keeps the
// state row and the append-only log in lockstep: a transition without
// its entry, or an entry without its transition, never commits.
func (r *RecordRepository) ApplyTransition(ctx context.Context, record model.ImageRecord, expected model.ModerationState, entry model.ModerationLogEntry) (bool, error) {
	const query = `
		UPDATE image_records
		SET state = $3,
		    match_info = $4,
		    escalation_ref = $5,
		    checked_at = $6,
		    resolved_at = $7,
		    updated_at = NOW()
		WHERE id = $1 AND state = $2
	`

	matchInfo, err := marshalMatchInfo(record.MatchInfo)
	if err != nil {
		return false, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, query,
		record.ID,
		expected,
		record.State,
		matchInfo,
		record.EscalationRef,
		record.CheckedAt,
		record.ResolvedAt,
	)
	if err != nil {
		return false, fmt.Errorf("apply transition: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if err := appendEntry(ctx, tx, entry); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}
	return true, nil
}

// SelectBatch returns ids for a batch run, oldest first so backfills
// drain the historical backlog before recent uploads.
func (r *RecordRepository) SelectBatch(ctx context.Context, limit, offset int, uncheckedOnly bool) ([]string, error) {
	query := `SELECT id FROM image_records ORDER BY created_at ASC LIMIT $1 OFFSET $2`
	if uncheckedOnly {
		query = `SELECT id FROM image_records WHERE state = 'pending' ORDER BY created_at ASC LIMIT $1 OFFSET $2`
	}

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListByState is used by the periodic sweep to find records stuck in
// matched after a failed escalation submission.
func (r *RecordRepository) ListByState(ctx context.Context, state model.ModerationState, limit int) ([]model.ImageRecord, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM image_records
		WHERE state = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.ImageRecord
	for rows.Next() {
		record, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func (r *RecordRepository) scanRecord(row scannable) (model.ImageRecord, error) {
	var (
		record    model.ImageRecord
		matchInfo []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.OwnerID,
		&record.BlobRef,
		&record.State,
		&matchInfo,
		&record.EscalationRef,
		&record.CheckedAt,
		&record.ResolvedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ImageRecord{}, ErrRecordNotFound
		}
		return model.ImageRecord{}, err
	}

	if len(matchInfo) > 0 {
		var info model.MatchInfo
		if err := json.Unmarshal(matchInfo, &info); err != nil {
			return model.ImageRecord{}, fmt.Errorf("decode match info: %w", err)
		}
		record.MatchInfo = &info
	}
	return record, nil
}

func marshalMatchInfo(info *model.MatchInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode match info: %w", err)
	}
	return data, nil
}
