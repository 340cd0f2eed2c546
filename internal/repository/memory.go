package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"

	"tasksearch/internal/errs"
	"tasksearch/internal/models"
	"tasksearch/internal/vector"
)

// MemoryStore is an in-memory record store with the same contract as the
// PostgreSQL repository. It backs tests and single-process setups where a
// database is not available.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memRecord
	nextSeq int64
}

// memRecord tracks insertion order alongside the row; created_at has only
// so much resolution and the store must break ties deterministically.
type memRecord struct {
	rec *models.TaskEmbedding
	seq int64
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memRecord)}
}

func cloneRecord(rec *models.TaskEmbedding) *models.TaskEmbedding {
	out := *rec
	if rec.Embedding != nil {
		vec := pgvector.NewVector(append([]float32(nil), rec.Embedding.Slice()...))
		out.Embedding = &vec
	}
	if rec.ErrorMessage != nil {
		msg := *rec.ErrorMessage
		out.ErrorMessage = &msg
	}
	return &out
}

// CreatePending inserts records as pending. Records already present are left
// untouched: pending ones count as accepted, terminal ones come back as
// skipped ids.
func (s *MemoryStore) CreatePending(ctx context.Context, records []*models.TaskEmbedding) (accepted []*models.TaskEmbedding, skipped []string, err error) {
	if len(records) == 0 {
		return nil, nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, rec := range records {
		if existing, ok := s.records[rec.RecordID]; ok {
			if existing.rec.Status == models.StatusPending {
				accepted = append(accepted, rec)
			} else {
				skipped = append(skipped, rec.RecordID)
			}
			continue
		}

		stored := cloneRecord(rec)
		if stored.Status == "" {
			stored.Status = models.StatusPending
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now

		s.nextSeq++
		s.records[rec.RecordID] = &memRecord{rec: stored, seq: s.nextSeq}
		accepted = append(accepted, rec)
	}

	return accepted, skipped, nil
}

// MarkCompleted attaches the vector and moves the record to completed.
// A record deleted mid-flight is a no-op, matching the SQL store.
func (s *MemoryStore) MarkCompleted(ctx context.Context, recordID string, embedding []float32) error {
	if len(embedding) != models.Dimensions {
		return errs.Newf(errs.KindValidation,
			"vector has %d dimensions, want %d", len(embedding), models.Dimensions)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.records[recordID]
	if !ok {
		return nil
	}

	vec := pgvector.NewVector(append([]float32(nil), embedding...))
	entry.rec.Status = models.StatusCompleted
	entry.rec.Embedding = &vec
	entry.rec.ErrorMessage = nil
	entry.rec.UpdatedAt = time.Now()
	return nil
}

// MarkFailed records the failure reason and moves the record to failed.
func (s *MemoryStore) MarkFailed(ctx context.Context, recordID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.records[recordID]
	if !ok {
		return nil
	}

	entry.rec.Status = models.StatusFailed
	entry.rec.Embedding = nil
	entry.rec.ErrorMessage = &message
	entry.rec.UpdatedAt = time.Now()
	return nil
}

// GetByID retrieves a record by its id.
func (s *MemoryStore) GetByID(ctx context.Context, recordID string) (*models.TaskEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.records[recordID]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "record not found: %s", recordID)
	}
	return cloneRecord(entry.rec), nil
}

// GetStatus returns the polling view of a record's lifecycle state.
func (s *MemoryStore) GetStatus(ctx context.Context, recordID string) (*models.RecordStatusView, error) {
	rec, err := s.GetByID(ctx, recordID)
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
func (s *MemoryStore) GetByParent(ctx context.Context, parentID string) ([]*models.TaskEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*memRecord
	for _, entry := range s.records {
		if entry.rec.ParentID == parentID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	records := make([]*models.TaskEmbedding, len(entries))
	for i, entry := range entries {
		records[i] = cloneRecord(entry.rec)
	}
	return records, nil
}

// DeleteByParent removes every record for a parent and reports how many
// rows went away.
func (s *MemoryStore) DeleteByParent(ctx context.Context, parentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, entry := range s.records {
		if entry.rec.ParentID == parentID {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// Reprocess moves a failed record back to pending.
func (s *MemoryStore) Reprocess(ctx context.Context, recordID string) (*models.TaskEmbedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.records[recordID]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "record not found: %s", recordID)
	}
	if entry.rec.Status != models.StatusFailed {
		return nil, errs.Newf(errs.KindConflict,
			"record %s is %s, only failed records can be reprocessed", recordID, entry.rec.Status)
	}

	entry.rec.Status = models.StatusPending
	entry.rec.Embedding = nil
	entry.rec.ErrorMessage = nil
	entry.rec.UpdatedAt = time.Now()
	return cloneRecord(entry.rec), nil
}

// Search ranks completed records against the query vector by cosine
// similarity, strictly above the threshold, capped at limit. Ties resolve
// to the earliest inserted record.
func (s *MemoryStore) Search(ctx context.Context, queryEmbedding []float32, threshold float64, limit int) ([]*models.SearchResult, error) {
	type scored struct {
		entry *memRecord
		sim   float64
	}

	s.mu.RLock()
	var matches []scored
	for _, entry := range s.records {
		if entry.rec.Status != models.StatusCompleted || entry.rec.Embedding == nil {
			continue
		}
		sim, err := vector.CosineSimilarity(queryEmbedding, entry.rec.Embedding.Slice())
		if err != nil {
			continue
		}
		if sim > threshold {
			matches = append(matches, scored{entry: entry, sim: sim})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].sim != matches[j].sim {
			return matches[i].sim > matches[j].sim
		}
		return matches[i].entry.seq < matches[j].entry.seq
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	results := make([]*models.SearchResult, len(matches))
	for i, m := range matches {
		results[i] = &models.SearchResult{
			RecordID:   m.entry.rec.RecordID,
			Text:       m.entry.rec.Text,
			ParentID:   m.entry.rec.ParentID,
			Similarity: m.sim,
		}
	}
	return results, nil
}

// ListParents aggregates record counts per parent.
func (s *MemoryStore) ListParents(ctx context.Context) ([]*models.ParentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byParent := make(map[string]*models.ParentSummary)
	for _, entry := range s.records {
		summary, ok := byParent[entry.rec.ParentID]
		if !ok {
			summary = &models.ParentSummary{ParentID: entry.rec.ParentID}
			byParent[entry.rec.ParentID] = summary
		}
		summary.Records++
		switch entry.rec.Status {
		case models.StatusPending:
			summary.Pending++
		case models.StatusCompleted:
			summary.Completed++
		case models.StatusFailed:
			summary.Failed++
		}
	}

	summaries := make([]*models.ParentSummary, 0, len(byParent))
	for _, summary := range byParent {
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ParentID < summaries[j].ParentID
	})
	return summaries, nil
}

// CountByStatus counts records in one lifecycle state.
func (s *MemoryStore) CountByStatus(ctx context.Context, status models.RecordStatus) (int64, error) {
	if !status.Valid() {
		return 0, errs.Newf(errs.KindValidation, "invalid status %q", status)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, entry := range s.records {
		if entry.rec.Status == status {
			count++
		}
	}
	return count, nil
}
