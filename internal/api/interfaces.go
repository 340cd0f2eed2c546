package api

import (
	"context"

	"tasksearch/internal/models"
	"tasksearch/internal/scheduler"
	"tasksearch/internal/services"
)

// The handlers declare what they consume; the concrete scheduler and
// services satisfy these without knowing about this package.

// TaskScheduler admits generation batches and exposes job handles.
type TaskScheduler interface {
	Enqueue(ctx context.Context, parentID string, texts []string) (*scheduler.EnqueueResult, error)
	GetJob(jobID string) (*scheduler.Job, bool)
	Stats() scheduler.Stats
}

// Searcher runs validated similarity queries.
type Searcher interface {
	Search(ctx context.Context, req services.SearchRequest) (*services.SearchResponse, error)
}

// StatusService is the record lifecycle boundary behind the record and
// parent endpoints.
type StatusService interface {
	GetRecord(ctx context.Context, recordID string) (*models.TaskEmbedding, error)
	GetStatus(ctx context.Context, recordID string) (*models.RecordStatusView, error)
	Reprocess(ctx context.Context, recordID string) (*services.ReprocessResult, error)
	ParentRecords(ctx context.Context, parentID string) ([]*models.TaskEmbedding, error)
	DeleteParent(ctx context.Context, parentID string) (int64, error)
	Parents(ctx context.Context) ([]*models.ParentSummary, error)
	StatusCounts(ctx context.Context) (map[models.RecordStatus]int64, error)
}
