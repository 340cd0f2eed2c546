package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tasksearch/internal/models"
)

// JobState is the lifecycle of one admitted generation batch.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
)

// Job is one admitted batch of records on its way through the worker pool.
// Callers hold it as a handle: poll View for progress or block on Wait.
type Job struct {
	ID       string
	ParentID string

	items []*models.TaskEmbedding

	completed atomic.Int64
	failed    atomic.Int64

	mu         sync.Mutex
	state      JobState
	err        error
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time

	done chan struct{}
}

// JobView is a point-in-time snapshot of a job for the ops surface.
type JobView struct {
	JobID      string     `json:"job_id"`
	ParentID   string     `json:"parent_id"`
	State      JobState   `json:"state"`
	Total      int        `json:"total"`
	Completed  int64      `json:"completed"`
	Failed     int64      `json:"failed"`
	Remaining  int64      `json:"remaining"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func newJob(parentID string, items []*models.TaskEmbedding) *Job {
	return &Job{
		ID:         uuid.NewString(),
		ParentID:   parentID,
		items:      items,
		state:      JobQueued,
		enqueuedAt: time.Now().UTC(),
		done:       make(chan struct{}),
	}
}

func (j *Job) start() {
	j.mu.Lock()
	j.state = JobRunning
	j.startedAt = time.Now().UTC()
	j.mu.Unlock()
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	if j.state == JobDone {
		j.mu.Unlock()
		return
	}
	j.state = JobDone
	j.err = err
	j.finishedAt = time.Now().UTC()
	j.mu.Unlock()

	close(j.done)
}

// Wait blocks until the job finishes or ctx expires. A nil return means the
// job ran to the end; individual records may still have failed, see View.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordIDs returns the record ids this job processes, in admission order.
func (j *Job) RecordIDs() []string {
	ids := make([]string, len(j.items))
	for i, item := range j.items {
		ids[i] = item.RecordID
	}
	return ids
}

// View snapshots the job's progress.
func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	view := JobView{
		JobID:      j.ID,
		ParentID:   j.ParentID,
		State:      j.state,
		Total:      len(j.items),
		Completed:  j.completed.Load(),
		Failed:     j.failed.Load(),
		EnqueuedAt: j.enqueuedAt,
	}
	view.Remaining = int64(view.Total) - view.Completed - view.Failed

	if !j.startedAt.IsZero() {
		started := j.startedAt
		view.StartedAt = &started
	}
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		view.FinishedAt = &finished
	}
	if j.err != nil {
		view.Error = j.err.Error()
	}
	return view
}
