package services

import (
	"context"
	"log"

	"tasksearch/internal/errs"
	"tasksearch/internal/events"
	"tasksearch/internal/models"
)

// EventSink receives lifecycle notifications. May be nil.
type EventSink interface {
	Publish(event events.Event)
}

// ReprocessResult reports a failed record sent back through generation.
type ReprocessResult struct {
	Record *models.TaskEmbedding `json:"record"`
	JobID  string                `json:"job_id"`
}

// StatusServiceImpl is the record lifecycle boundary: status polling,
// explicit reprocessing of failed records, and the per-parent views.
type StatusServiceImpl struct {
	store RecordStore
	sched Rescheduler
	sink  EventSink
}

// NewStatusService creates a status service. sink may be nil.
func NewStatusService(store RecordStore, sched Rescheduler, sink EventSink) *StatusServiceImpl {
	return &StatusServiceImpl{store: store, sched: sched, sink: sink}
}

// GetRecord returns the full record.
func (s *StatusServiceImpl) GetRecord(ctx context.Context, recordID string) (*models.TaskEmbedding, error) {
	if recordID == "" {
		return nil, errs.New(errs.KindValidation, "record_id must not be empty")
	}
	return s.store.GetByID(ctx, recordID)
}

// GetStatus returns the polling view of one record.
func (s *StatusServiceImpl) GetStatus(ctx context.Context, recordID string) (*models.RecordStatusView, error) {
	if recordID == "" {
		return nil, errs.New(errs.KindValidation, "record_id must not be empty")
	}
	return s.store.GetStatus(ctx, recordID)
}

// Reprocess resets a failed record to pending and queues a fresh generation
// attempt for it. Records in any other state are refused; failure is a
// resting state that only an explicit caller decision leaves.
func (s *StatusServiceImpl) Reprocess(ctx context.Context, recordID string) (*ReprocessResult, error) {
	if recordID == "" {
		return nil, errs.New(errs.KindValidation, "record_id must not be empty")
	}

	rec, err := s.store.Reprocess(ctx, recordID)
	if err != nil {
		return nil, err
	}

	// The record is pending again, so admission picks it up like any new
	// submission.
	result, err := s.sched.Enqueue(ctx, rec.ParentID, []string{rec.Text})
	if err != nil {
		return nil, err
	}

	out := &ReprocessResult{Record: rec}
	if result.Job != nil {
		out.JobID = result.Job.ID
	}

	log.Printf("  Record %s sent back for generation (job %s)", recordID, out.JobID)
	return out, nil
}

// ParentRecords returns every record under a parent, in insertion order.
func (s *StatusServiceImpl) ParentRecords(ctx context.Context, parentID string) ([]*models.TaskEmbedding, error) {
	if parentID == "" {
		return nil, errs.New(errs.KindValidation, "parent_id must not be empty")
	}
	return s.store.GetByParent(ctx, parentID)
}

// DeleteParent removes every record under a parent and tells the scheduler,
// which stops any in-flight generation for it and sweeps again once the
// last job finishes.
func (s *StatusServiceImpl) DeleteParent(ctx context.Context, parentID string) (int64, error) {
	if parentID == "" {
		return 0, errs.New(errs.KindValidation, "parent_id must not be empty")
	}

	deleted, err := s.store.DeleteByParent(ctx, parentID)
	if err != nil {
		return 0, err
	}

	deferred := s.sched.NoteParentDeleted(parentID)
	if deferred {
		log.Printf("  Parent %s has jobs in flight, cleanup sweep deferred", parentID)
	}

	if s.sink != nil {
		s.sink.Publish(events.Event{
			Type:     events.TypeRecordsDeleted,
			ParentID: parentID,
			Deleted:  deleted,
		})
	}
	return deleted, nil
}

// Parents aggregates record counts for every parent.
func (s *StatusServiceImpl) Parents(ctx context.Context) ([]*models.ParentSummary, error) {
	return s.store.ListParents(ctx)
}

// StatusCounts returns the record population by lifecycle state.
func (s *StatusServiceImpl) StatusCounts(ctx context.Context) (map[models.RecordStatus]int64, error) {
	counts := make(map[models.RecordStatus]int64, 3)
	for _, status := range []models.RecordStatus{models.StatusPending, models.StatusCompleted, models.StatusFailed} {
		n, err := s.store.CountByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, nil
}
