package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tasksearch/internal/errs"
	"tasksearch/internal/models"
)

// EmbeddingRepositoryImpl is the PostgreSQL + pgvector record store.
// Status transitions are single UPDATE statements, so no reader ever sees a
// completed record without its vector or a failed one without its message.
// Row-level MVCC keeps writers (scheduler jobs) and readers (search) out of
// each other's way; there is no store-wide lock.
type EmbeddingRepositoryImpl struct {
	db *gorm.DB
}

// NewEmbeddingRepository creates a new embedding record repository.
func NewEmbeddingRepository(db *gorm.DB) *EmbeddingRepositoryImpl {
	return &EmbeddingRepositoryImpl{db: db}
}

// storageErr shapes low-level failures: context expiry becomes a typed
// timeout, everything else a storage error for the caller to surface.
func storageErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindTimeout, op+" exceeded deadline", err)
	}
	return errs.Wrap(errs.KindStorage, op+" failed", err)
}

// CreatePending inserts records in the pending state, keyed by their
// content-derived record id. Rows that already exist are never overwritten:
// still-pending ones are returned as accepted (they can be processed again
// harmlessly), completed or failed ones are returned as skipped ids.
func (r *EmbeddingRepositoryImpl) CreatePending(ctx context.Context, records []*models.TaskEmbedding) (accepted []*models.TaskEmbedding, skipped []string, err error) {
	if len(records) == 0 {
		return nil, nil, nil
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.RecordID
	}

	var existing []models.TaskEmbedding
	if err := r.db.WithContext(ctx).
		Select("record_id", "status").
		Where("record_id IN ?", ids).
		Find(&existing).Error; err != nil {
		return nil, nil, storageErr("lookup of existing records", err)
	}

	terminal := make(map[string]bool, len(existing))
	for _, rec := range existing {
		if rec.Status != models.StatusPending {
			terminal[rec.RecordID] = true
		}
	}

	var toInsert []*models.TaskEmbedding
	for _, rec := range records {
		if terminal[rec.RecordID] {
			skipped = append(skipped, rec.RecordID)
			continue
		}
		accepted = append(accepted, rec)
		toInsert = append(toInsert, rec)
	}

	if len(toInsert) == 0 {
		return accepted, skipped, nil
	}

	// DoNothing on the primary key also absorbs races with a concurrent
	// identical submission.
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_id"}},
			DoNothing: true,
		}).
		Create(&toInsert).Error; err != nil {
		return nil, nil, storageErr("insert of pending records", err)
	}

	return accepted, skipped, nil
}

// MarkCompleted attaches the vector and moves the record to completed in one
// statement. A record deleted mid-flight (cascade) makes this a no-op.
func (r *EmbeddingRepositoryImpl) MarkCompleted(ctx context.Context, recordID string, embedding []float32) error {
	if len(embedding) != models.Dimensions {
		return errs.Newf(errs.KindValidation,
			"vector has %d dimensions, want %d", len(embedding), models.Dimensions)
	}

	vec := pgvector.NewVector(embedding)
	err := r.db.WithContext(ctx).
		Model(&models.TaskEmbedding{}).
		Where("record_id = ?", recordID).
		Updates(map[string]interface{}{
			"status":        models.StatusCompleted,
			"embedding":     vec,
			"error_message": nil,
		}).Error
	if err != nil {
		return storageErr("completed transition", err)
	}
	return nil
}

// MarkFailed records the failure reason and moves the record to failed in
// one statement.
func (r *EmbeddingRepositoryImpl) MarkFailed(ctx context.Context, recordID string, message string) error {
	err := r.db.WithContext(ctx).
		Model(&models.TaskEmbedding{}).
		Where("record_id = ?", recordID).
		Updates(map[string]interface{}{
			"status":        models.StatusFailed,
			"embedding":     nil,
			"error_message": message,
		}).Error
	if err != nil {
		return storageErr("failed transition", err)
	}
	return nil
}

// GetByID retrieves a record by its id.
func (r *EmbeddingRepositoryImpl) GetByID(ctx context.Context, recordID string) (*models.TaskEmbedding, error) {
	var rec models.TaskEmbedding

	err := r.db.WithContext(ctx).First(&rec, "record_id = ?", recordID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.Newf(errs.KindNotFound, "record not found: %s", recordID)
	}
	if err != nil {
		return nil, storageErr("record lookup", err)
	}

	return &rec, nil
}

// GetStatus returns the polling view of a record's lifecycle state.
func (r *EmbeddingRepositoryImpl) GetStatus(ctx context.Context, recordID string) (*models.RecordStatusView, error) {
	rec, err := r.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	return &models.RecordStatusView{
		RecordID:     rec.RecordID,
		Status:       rec.Status,
		ErrorMessage: rec.ErrorMessage,
	}, nil
}

// GetByParent returns all records for a parent in insertion order.
func (r *EmbeddingRepositoryImpl) GetByParent(ctx context.Context, parentID string) ([]*models.TaskEmbedding, error) {
	var records []*models.TaskEmbedding

	err := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at ASC, record_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, storageErr("parent lookup", err)
	}

	return records, nil
}

// DeleteByParent removes every record for a parent. A single DELETE keeps
// the cascade atomic for readers: they see the full set or none of it.
func (r *EmbeddingRepositoryImpl) DeleteByParent(ctx context.Context, parentID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Delete(&models.TaskEmbedding{})
	if result.Error != nil {
		return 0, storageErr("cascade delete", result.Error)
	}

	return result.RowsAffected, nil
}

// Reprocess moves a failed record back to pending, clearing the vector and
// error message. The transition is guarded in the UPDATE itself; records in
// any other state are refused.
func (r *EmbeddingRepositoryImpl) Reprocess(ctx context.Context, recordID string) (*models.TaskEmbedding, error) {
	result := r.db.WithContext(ctx).
		Model(&models.TaskEmbedding{}).
		Where("record_id = ? AND status = ?", recordID, models.StatusFailed).
		Updates(map[string]interface{}{
			"status":        models.StatusPending,
			"embedding":     nil,
			"error_message": nil,
		})
	if result.Error != nil {
		return nil, storageErr("reprocess transition", result.Error)
	}

	if result.RowsAffected == 0 {
		// Either the record does not exist or it is not failed.
		rec, err := r.GetByID(ctx, recordID)
		if err != nil {
			return nil, err
		}
		return nil, errs.Newf(errs.KindConflict,
			"record %s is %s, only failed records can be reprocessed", recordID, rec.Status)
	}

	return r.GetByID(ctx, recordID)
}

// Search ranks completed records against the query vector by cosine
// similarity. Ordering by distance delegates ranking to the ivfflat index;
// ties on similarity resolve to the earliest created record.
func (r *EmbeddingRepositoryImpl) Search(ctx context.Context, queryEmbedding []float32, threshold float64, limit int) ([]*models.SearchResult, error) {
	vec := pgvector.NewVector(queryEmbedding)

	var results []*models.SearchResult
	err := r.db.WithContext(ctx).Raw(`
		SELECT
			record_id,
			text,
			parent_id,
			1 - (embedding <=> ?) AS similarity
		FROM task_embeddings
		WHERE status = ?
		  AND 1 - (embedding <=> ?) > ?
		ORDER BY embedding <=> ? ASC, created_at ASC
		LIMIT ?
	`, vec, models.StatusCompleted, vec, threshold, vec, limit).Scan(&results).Error
	if err != nil {
		return nil, storageErr("similarity search", err)
	}

	return results, nil
}

// ListParents aggregates record counts per parent for the ops surface.
func (r *EmbeddingRepositoryImpl) ListParents(ctx context.Context) ([]*models.ParentSummary, error) {
	var summaries []*models.ParentSummary

	err := r.db.WithContext(ctx).Raw(`
		SELECT
			parent_id,
			COUNT(*) AS records,
			COUNT(*) FILTER (WHERE status = 'pending')   AS pending,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed')    AS failed
		FROM task_embeddings
		GROUP BY parent_id
		ORDER BY parent_id
	`).Scan(&summaries).Error
	if err != nil {
		return nil, storageErr("parent summary", err)
	}

	return summaries, nil
}

// CountByStatus counts records in one lifecycle state.
func (r *EmbeddingRepositoryImpl) CountByStatus(ctx context.Context, status models.RecordStatus) (int64, error) {
	if !status.Valid() {
		return 0, errs.Newf(errs.KindValidation, "invalid status %q", status)
	}

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.TaskEmbedding{}).
		Where("status = ?", status).
		Count(&count).Error
	if err != nil {
		return 0, storageErr(fmt.Sprintf("count of %s records", status), err)
	}

	return count, nil
}
