package services

import (
	"context"

	"tasksearch/internal/models"
	"tasksearch/internal/scheduler"
)

// Interfaces live with their consumer: the services declare the slices of
// the record store, the generator, and the scheduler they actually call.

// RecordStore is what the status service needs from record storage.
type RecordStore interface {
	GetByID(ctx context.Context, recordID string) (*models.TaskEmbedding, error)
	GetStatus(ctx context.Context, recordID string) (*models.RecordStatusView, error)
	GetByParent(ctx context.Context, parentID string) ([]*models.TaskEmbedding, error)
	DeleteByParent(ctx context.Context, parentID string) (int64, error)
	Reprocess(ctx context.Context, recordID string) (*models.TaskEmbedding, error)
	ListParents(ctx context.Context) ([]*models.ParentSummary, error)
	CountByStatus(ctx context.Context, status models.RecordStatus) (int64, error)
}

// SearchStore is what the search service needs: ranked similarity over
// completed records.
type SearchStore interface {
	Search(ctx context.Context, queryEmbedding []float32, threshold float64, limit int) ([]*models.SearchResult, error)
}

// QueryEmbedder turns query text into a vector.
type QueryEmbedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Rescheduler is the slice of the scheduler the status service drives when
// a failed record is sent back through generation.
type Rescheduler interface {
	Enqueue(ctx context.Context, parentID string, texts []string) (*scheduler.EnqueueResult, error)
	NoteParentDeleted(parentID string) bool
}
