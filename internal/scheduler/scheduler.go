package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"tasksearch/internal/errs"
	"tasksearch/internal/events"
	"tasksearch/internal/middleware"
	"tasksearch/internal/models"
	"tasksearch/internal/telemetry"
)

// Generator produces one embedding vector per task text.
type Generator interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// RecordStore is the slice of the record store the scheduler drives.
type RecordStore interface {
	CreatePending(ctx context.Context, records []*models.TaskEmbedding) (accepted []*models.TaskEmbedding, skipped []string, err error)
	MarkCompleted(ctx context.Context, recordID string, embedding []float32) error
	MarkFailed(ctx context.Context, recordID string, message string) error
	DeleteByParent(ctx context.Context, parentID string) (int64, error)
}

// EventSink receives lifecycle notifications. May be nil.
type EventSink interface {
	Publish(event events.Event)
}

const (
	DefaultWorkers      = 3
	DefaultSubBatchSize = 50
	DefaultQueueSize    = 64

	// Finished jobs stay queryable for this long before the registry
	// sweep drops them.
	jobRetention    = time.Hour
	cleanupInterval = 10 * time.Minute

	sweepTimeout = 30 * time.Second
)

// Config sizes the worker pool.
type Config struct {
	Workers      int // concurrent jobs
	SubBatchSize int // concurrent generator calls within a job
	QueueSize    int // admitted jobs waiting for a worker
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = DefaultSubBatchSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// EnqueueResult reports what an admission did: records newly pending (or
// re-admitted while pending), record ids skipped because they are already
// terminal, and the job handle when any work was actually queued.
type EnqueueResult struct {
	Job      *Job
	Accepted []*models.TaskEmbedding
	Skipped  []string
}

// Scheduler admits generation batches and works them off with a fixed pool
// of workers. Each job fans its records out in bounded sub-batches, so total
// provider concurrency never exceeds Workers × SubBatchSize.
type Scheduler struct {
	gen   Generator
	store RecordStore
	sink  EventSink

	cfg  Config
	jobs chan *Job

	mu             sync.Mutex
	jobsByID       map[string]*Job
	activeByParent map[string]int
	pendingCleanup map[string]bool

	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewScheduler creates a scheduler over the given generator and store.
// sink may be nil when nothing consumes lifecycle events.
func NewScheduler(gen Generator, store RecordStore, sink EventSink, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		gen:            gen,
		store:          store,
		sink:           sink,
		cfg:            cfg,
		jobs:           make(chan *Job, cfg.QueueSize),
		jobsByID:       make(map[string]*Job),
		activeByParent: make(map[string]int),
		pendingCleanup: make(map[string]bool),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start spins up the worker pool and the job registry sweep.
func (s *Scheduler) Start() {
	log.Printf("🔧 Starting generation scheduler with %d workers", s.cfg.Workers)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	go s.cleanupLoop()

	log.Println("✓ Generation scheduler started")
}

// Enqueue validates and persists a batch of task texts as pending records,
// then queues one job covering the newly accepted ones. Texts whose records
// are already completed or failed are skipped untouched; duplicates within
// the batch collapse to one record. Admission blocks when the queue is full.
func (s *Scheduler) Enqueue(ctx context.Context, parentID string, texts []string) (*EnqueueResult, error) {
	if strings.TrimSpace(parentID) == "" {
		return nil, errs.New(errs.KindValidation, "parent_id must not be empty")
	}
	if len(texts) == 0 {
		return nil, errs.New(errs.KindValidation, "at least one task text is required")
	}

	records := make([]*models.TaskEmbedding, 0, len(texts))
	seen := make(map[string]bool, len(texts))
	for i, text := range texts {
		rec, err := models.NewTaskEmbedding(text, parentID)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, fmt.Sprintf("task %d rejected", i), err)
		}
		if seen[rec.RecordID] {
			continue
		}
		seen[rec.RecordID] = true
		records = append(records, rec)
	}

	accepted, skipped, err := s.store.CreatePending(ctx, records)
	if err != nil {
		return nil, err
	}

	result := &EnqueueResult{Accepted: accepted, Skipped: skipped}
	if len(accepted) == 0 {
		return result, nil
	}

	job := newJob(parentID, accepted)

	s.mu.Lock()
	s.jobsByID[job.ID] = job
	s.activeByParent[parentID]++
	s.mu.Unlock()

	select {
	case s.jobs <- job:
	case <-s.ctx.Done():
		s.dropJob(job)
		return nil, errs.New(errs.KindShuttingDown, "scheduler is shutting down")
	case <-ctx.Done():
		s.dropJob(job)
		return nil, errs.Wrap(errs.KindTimeout, "job admission timed out", ctx.Err())
	}

	telemetry.QueueDepth.Set(float64(len(s.jobs)))
	s.publish(events.Event{Type: events.TypeJobQueued, JobID: job.ID, ParentID: parentID})

	result.Job = job
	return result, nil
}

// dropJob backs out an admission that never made it into the queue.
// The records stay pending, which is a valid resting state.
func (s *Scheduler) dropJob(job *Job) {
	s.mu.Lock()
	delete(s.jobsByID, job.ID)
	s.mu.Unlock()
	s.noteJobEnd(job.ParentID)
}

// GetJob returns a queued, running, or recently finished job by id.
func (s *Scheduler) GetJob(jobID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobsByID[jobID]
	return job, ok
}

// QueueDepth returns the number of jobs waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	return len(s.jobs)
}

// Stats describes the pool for the ops surface.
type Stats struct {
	Workers       int `json:"workers"`
	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`
	TrackedJobs   int `json:"tracked_jobs"`
}

// Stats snapshots the pool state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	tracked := len(s.jobsByID)
	s.mu.Unlock()

	return Stats{
		Workers:       s.cfg.Workers,
		QueueDepth:    len(s.jobs),
		QueueCapacity: cap(s.jobs),
		TrackedJobs:   tracked,
	}
}

// NoteParentDeleted marks a parent whose records were just removed. Jobs
// still admitted for it stop generating at the next sub-batch boundary, and
// once the last one finishes the delete is re-run to sweep anything a
// racing writer put back. Returns whether a deferred sweep was scheduled.
func (s *Scheduler) NoteParentDeleted(parentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeByParent[parentID] > 0 {
		s.pendingCleanup[parentID] = true
		return true
	}
	return false
}

func (s *Scheduler) parentDeleted(parentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingCleanup[parentID]
}

func (s *Scheduler) noteJobEnd(parentID string) {
	s.mu.Lock()
	s.activeByParent[parentID]--
	last := s.activeByParent[parentID] <= 0
	if last {
		delete(s.activeByParent, parentID)
	}
	sweep := last && s.pendingCleanup[parentID]
	if sweep {
		delete(s.pendingCleanup, parentID)
	}
	s.mu.Unlock()

	if sweep {
		go s.sweepParent(parentID)
	}
}

func (s *Scheduler) sweepParent(parentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	deleted, err := s.store.DeleteByParent(ctx, parentID)
	if err != nil {
		log.Printf("⚠️  Cleanup sweep for parent %s failed: %v", parentID, err)
		return
	}
	if deleted > 0 {
		log.Printf("  Cleanup sweep removed %d records for deleted parent %s", deleted, parentID)
		s.publish(events.Event{Type: events.TypeRecordsDeleted, ParentID: parentID, Deleted: deleted})
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	log.Printf("  Worker %d started", id)

	for {
		select {
		case <-s.ctx.Done():
			log.Printf("  Worker %d shutting down", id)
			return

		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			telemetry.QueueDepth.Set(float64(len(s.jobs)))
			s.runJob(job)
		}
	}
}

func (s *Scheduler) runJob(job *Job) {
	telemetry.JobsActive.Inc()
	defer telemetry.JobsActive.Dec()
	defer s.noteJobEnd(job.ParentID)

	// Jobs run detached from any request, so this span is a new trace root.
	ctx, span := middleware.StartSpan(s.ctx, "Scheduler.RunJob",
		attribute.String("job.id", job.ID),
		attribute.String("job.parent_id", job.ParentID),
		attribute.Int("job.records", len(job.items)),
	)
	defer span.End()

	job.start()
	s.publish(events.Event{Type: events.TypeJobStarted, JobID: job.ID, ParentID: job.ParentID})
	log.Printf("  Job %s: processing %d records for parent %s", job.ID, len(job.items), job.ParentID)

	err := s.processItems(ctx, job)
	job.finish(err)
	if err != nil {
		middleware.AddSpanError(ctx, err)
	}

	s.publish(events.Event{Type: events.TypeJobFinished, JobID: job.ID, ParentID: job.ParentID})

	view := job.View()
	if err != nil {
		log.Printf("⚠️  Job %s aborted: %v", job.ID, err)
	} else {
		log.Printf("  Job %s done: %d completed, %d failed", job.ID, view.Completed, view.Failed)
	}
}

// processItems walks the job in sub-batches. Generator failures are recorded
// per item and never stop the job; a store failure aborts it, leaving the
// unprocessed tail pending.
func (s *Scheduler) processItems(ctx context.Context, job *Job) error {
	for start := 0; start < len(job.items); start += s.cfg.SubBatchSize {
		if ctx.Err() != nil {
			return nil
		}
		if s.parentDeleted(job.ParentID) {
			log.Printf("  Job %s: parent %s deleted, skipping remaining records", job.ID, job.ParentID)
			return nil
		}

		end := start + s.cfg.SubBatchSize
		if end > len(job.items) {
			end = len(job.items)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, item := range job.items[start:end] {
			item := item
			g.Go(func() error {
				return s.processItem(gctx, job, item)
			})
		}
		if err := g.Wait(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Scheduler) processItem(ctx context.Context, job *Job, item *models.TaskEmbedding) error {
	begin := time.Now()
	vec, genErr := s.gen.CreateEmbedding(ctx, item.Text)
	telemetry.GeneratorDuration.Observe(time.Since(begin).Seconds())

	if genErr != nil {
		// Cancellation is shutdown or a sibling's store failure, not a
		// verdict on this record: it rests as pending.
		if ctx.Err() != nil {
			return nil
		}

		msg := genErr.Error()
		if err := s.store.MarkFailed(ctx, item.RecordID, msg); err != nil {
			return err
		}
		job.failed.Add(1)
		telemetry.RecordsTotal.WithLabelValues(string(models.StatusFailed)).Inc()
		s.publish(events.Event{
			Type:     events.TypeRecordFailed,
			RecordID: item.RecordID,
			ParentID: job.ParentID,
			JobID:    job.ID,
			Status:   models.StatusFailed,
			Error:    msg,
		})
		return nil
	}

	if err := s.store.MarkCompleted(ctx, item.RecordID, vec); err != nil {
		return err
	}
	job.completed.Add(1)
	telemetry.RecordsTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
	s.publish(events.Event{
		Type:     events.TypeRecordCompleted,
		RecordID: item.RecordID,
		ParentID: job.ParentID,
		JobID:    job.ID,
		Status:   models.StatusCompleted,
	})
	return nil
}

func (s *Scheduler) publish(event events.Event) {
	if s.sink != nil {
		s.sink.Publish(event)
	}
}

// cleanupLoop drops finished jobs from the registry once their retention
// window passes.
func (s *Scheduler) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupJobs()
		}
	}
}

func (s *Scheduler) cleanupJobs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, job := range s.jobsByID {
		view := job.View()
		if view.State == JobDone && view.FinishedAt != nil && now.Sub(*view.FinishedAt) > jobRetention {
			delete(s.jobsByID, id)
		}
	}
}

// Shutdown stops the pool: running jobs are cut off at their next provider
// call, queued jobs fail with a shutting-down error, and every untouched
// record rests as pending. Stop admitting HTTP work before calling this.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		log.Println("🛑 Shutting down generation scheduler...")

		s.cancel()
		s.wg.Wait()

		for {
			select {
			case job := <-s.jobs:
				job.finish(errs.New(errs.KindShuttingDown, "scheduler shut down before the job ran"))
				s.mu.Lock()
				delete(s.jobsByID, job.ID)
				s.mu.Unlock()
				s.noteJobEnd(job.ParentID)
			default:
				telemetry.QueueDepth.Set(0)
				log.Println("✓ Generation scheduler shutdown complete")
				return
			}
		}
	})
}
