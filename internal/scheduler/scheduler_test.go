package scheduler

import (
	"context"
	"crypto/sha256"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksearch/internal/errs"
	"tasksearch/internal/models"
	"tasksearch/internal/repository"
)

// deterministicVector derives a stable full-size vector from the text, so
// assertions can recompute what the store should hold.
func deterministicVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, models.Dimensions)
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)]) / 255
	}
	return vec
}

// stubGenerator embeds deterministically, tracks peak concurrency, and can
// inject per-text failures.
type stubGenerator struct {
	calls   atomic.Int64
	current atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	fail    func(text string) error
}

func (g *stubGenerator) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	cur := g.current.Add(1)
	defer g.current.Add(-1)
	for {
		peak := g.peak.Load()
		if cur <= peak || g.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.calls.Add(1)
	if g.fail != nil {
		if err := g.fail(text); err != nil {
			return nil, err
		}
	}
	return deterministicVector(text), nil
}

// gateGenerator blocks every call until released, so tests control exactly
// when work proceeds.
type gateGenerator struct {
	started chan string
	release chan struct{}
}

func newGateGenerator() *gateGenerator {
	return &gateGenerator{
		started: make(chan string, 128),
		release: make(chan struct{}),
	}
}

func (g *gateGenerator) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	select {
	case g.started <- text:
	default:
	}

	select {
	case <-g.release:
		return deterministicVector(text), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gateGenerator) awaitStart(t *testing.T) string {
	t.Helper()
	select {
	case text := <-g.started:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a generator call")
		return ""
	}
}

// failingStore injects storage failures on the completed transition.
type failingStore struct {
	*repository.MemoryStore
}

func (f *failingStore) MarkCompleted(ctx context.Context, recordID string, embedding []float32) error {
	return errs.New(errs.KindStorage, "write failed")
}

func waitJob(t *testing.T, job *Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return job.Wait(ctx)
}

func TestEnqueueProcessesBatch(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := &stubGenerator{}
	sched := NewScheduler(gen, store, nil, Config{Workers: 2, SubBatchSize: 3})
	sched.Start()
	defer sched.Shutdown()

	texts := []string{
		"provision the build agents",
		"rotate expiring certificates",
		"upgrade the postgres cluster",
		"archive stale dashboards",
		"tune the alert thresholds",
	}
	result, err := sched.Enqueue(context.Background(), "proj-1", texts)
	require.NoError(t, err)
	require.NotNil(t, result.Job)
	assert.Empty(t, result.Skipped)
	assert.Len(t, result.Accepted, 5)

	require.NoError(t, waitJob(t, result.Job))

	view := result.Job.View()
	assert.Equal(t, JobDone, view.State)
	assert.Equal(t, int64(5), view.Completed)
	assert.Zero(t, view.Failed)
	assert.Zero(t, view.Remaining)

	for _, text := range texts {
		rec, err := store.GetByID(context.Background(), models.NewRecordID(text, "proj-1"))
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, rec.Status)
		require.NotNil(t, rec.Embedding)
		assert.Equal(t, deterministicVector(text), rec.Embedding.Slice())
	}
}

func TestGeneratorFailuresAreRecordedPerItem(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := &stubGenerator{
		fail: func(text string) error {
			if strings.HasPrefix(text, "bad") {
				return errs.New(errs.KindRateLimited, "too many requests")
			}
			return nil
		},
	}
	sched := NewScheduler(gen, store, nil, Config{Workers: 1, SubBatchSize: 2})
	sched.Start()
	defer sched.Shutdown()

	result, err := sched.Enqueue(context.Background(), "proj-1",
		[]string{"good one", "bad apple", "good two", "bad egg"})
	require.NoError(t, err)

	// A job with per-record failures still runs to the end.
	require.NoError(t, waitJob(t, result.Job))

	view := result.Job.View()
	assert.Equal(t, int64(2), view.Completed)
	assert.Equal(t, int64(2), view.Failed)

	rec, err := store.GetByID(context.Background(), models.NewRecordID("bad apple", "proj-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Nil(t, rec.Embedding)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "rate_limited")

	rec, err = store.GetByID(context.Background(), models.NewRecordID("good one", "proj-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)
}

func TestJobWithOnlyFailuresFinishes(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := &stubGenerator{
		fail: func(string) error {
			return errs.New(errs.KindProviderUnavailable, "connection refused")
		},
	}
	sched := NewScheduler(gen, store, nil, Config{Workers: 1})
	sched.Start()
	defer sched.Shutdown()

	result, err := sched.Enqueue(context.Background(), "proj-1", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.NoError(t, waitJob(t, result.Job))

	view := result.Job.View()
	assert.Equal(t, JobDone, view.State)
	assert.Equal(t, int64(3), view.Failed)
	assert.Zero(t, view.Completed)

	failed, err := store.CountByStatus(context.Background(), models.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(3), failed)
}

func TestStoreFailureAbortsJob(t *testing.T) {
	store := &failingStore{MemoryStore: repository.NewMemoryStore()}
	gen := &stubGenerator{}
	sched := NewScheduler(gen, store, nil, Config{Workers: 1, SubBatchSize: 1})
	sched.Start()
	defer sched.Shutdown()

	result, err := sched.Enqueue(context.Background(), "proj-1", []string{"a", "b", "c"})
	require.NoError(t, err)

	err = waitJob(t, result.Job)
	require.Error(t, err)
	assert.Equal(t, errs.KindStorage, errs.KindOf(err))

	// The unprocessed tail rests as pending, never failed.
	failed, err := store.CountByStatus(context.Background(), models.StatusFailed)
	require.NoError(t, err)
	assert.Zero(t, failed)
}

func TestEnqueueValidation(t *testing.T) {
	store := repository.NewMemoryStore()
	sched := NewScheduler(&stubGenerator{}, store, nil, Config{})
	sched.Start()
	defer sched.Shutdown()

	tests := []struct {
		name     string
		parentID string
		texts    []string
	}{
		{"empty parent", "", []string{"fine"}},
		{"no texts", "proj-1", nil},
		{"blank text", "proj-1", []string{"fine", "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sched.Enqueue(context.Background(), tt.parentID, tt.texts)
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}

	// Nothing was admitted along the way.
	pending, err := store.CountByStatus(context.Background(), models.StatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestEnqueueCollapsesDuplicatesWithinBatch(t *testing.T) {
	store := repository.NewMemoryStore()
	sched := NewScheduler(&stubGenerator{}, store, nil, Config{})
	sched.Start()
	defer sched.Shutdown()

	result, err := sched.Enqueue(context.Background(), "proj-1",
		[]string{"same task", "same task", "other task"})
	require.NoError(t, err)
	assert.Len(t, result.Accepted, 2)
	require.NoError(t, waitJob(t, result.Job))

	records, err := store.GetByParent(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestEnqueueSkipsTerminalRecords(t *testing.T) {
	store := repository.NewMemoryStore()
	sched := NewScheduler(&stubGenerator{}, store, nil, Config{})
	sched.Start()
	defer sched.Shutdown()

	first, err := sched.Enqueue(context.Background(), "proj-1", []string{"already done"})
	require.NoError(t, err)
	require.NoError(t, waitJob(t, first.Job))

	// Re-ingesting the identical text is a no-op for it.
	second, err := sched.Enqueue(context.Background(), "proj-1", []string{"already done", "brand new"})
	require.NoError(t, err)
	assert.Equal(t, []string{models.NewRecordID("already done", "proj-1")}, second.Skipped)
	require.Len(t, second.Accepted, 1)
	assert.Equal(t, "brand new", second.Accepted[0].Text)

	require.NoError(t, waitJob(t, second.Job))

	records, err := store.GetByParent(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestEnqueueWithNothingNewReturnsNoJob(t *testing.T) {
	store := repository.NewMemoryStore()
	sched := NewScheduler(&stubGenerator{}, store, nil, Config{})
	sched.Start()
	defer sched.Shutdown()

	first, err := sched.Enqueue(context.Background(), "proj-1", []string{"one and only"})
	require.NoError(t, err)
	require.NoError(t, waitJob(t, first.Job))

	second, err := sched.Enqueue(context.Background(), "proj-1", []string{"one and only"})
	require.NoError(t, err)
	assert.Nil(t, second.Job)
	assert.Len(t, second.Skipped, 1)
}

func TestSubBatchBoundsProviderConcurrency(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := &stubGenerator{delay: 25 * time.Millisecond}
	sched := NewScheduler(gen, store, nil, Config{Workers: 1, SubBatchSize: 4})
	sched.Start()
	defer sched.Shutdown()

	texts := make([]string, 12)
	for i := range texts {
		texts[i] = "task " + string(rune('a'+i))
	}
	result, err := sched.Enqueue(context.Background(), "proj-1", texts)
	require.NoError(t, err)
	require.NoError(t, waitJob(t, result.Job))

	assert.Equal(t, int64(12), gen.calls.Load())
	assert.LessOrEqual(t, gen.peak.Load(), int32(4))
}

func TestDeletedParentStopsRemainingWork(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := newGateGenerator()
	sched := NewScheduler(gen, store, nil, Config{Workers: 1, SubBatchSize: 1})
	sched.Start()
	defer sched.Shutdown()

	texts := make([]string, 6)
	for i := range texts {
		texts[i] = "doomed " + string(rune('a'+i))
	}
	result, err := sched.Enqueue(context.Background(), "proj-1", texts)
	require.NoError(t, err)

	// First record is mid-generation when the parent goes away.
	gen.awaitStart(t)

	_, err = store.DeleteByParent(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.True(t, sched.NoteParentDeleted("proj-1"))

	close(gen.release)
	require.NoError(t, waitJob(t, result.Job))

	// The deferred sweep converges the store to empty even if the in-flight
	// record landed after the delete.
	require.Eventually(t, func() bool {
		records, err := store.GetByParent(context.Background(), "proj-1")
		return err == nil && len(records) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNoteParentDeletedWithoutActiveJobs(t *testing.T) {
	sched := NewScheduler(&stubGenerator{}, repository.NewMemoryStore(), nil, Config{})
	sched.Start()
	defer sched.Shutdown()

	assert.False(t, sched.NoteParentDeleted("idle-parent"))
}

func TestShutdownFailsQueuedJobsAndLeavesRecordsPending(t *testing.T) {
	store := repository.NewMemoryStore()
	gen := newGateGenerator()
	sched := NewScheduler(gen, store, nil, Config{Workers: 1, SubBatchSize: 1})
	sched.Start()

	running, err := sched.Enqueue(context.Background(), "proj-1", []string{"in flight"})
	require.NoError(t, err)
	gen.awaitStart(t)

	queued, err := sched.Enqueue(context.Background(), "proj-2", []string{"never ran"})
	require.NoError(t, err)

	sched.Shutdown()

	// The running job was cut off mid-call and finished without an error.
	require.NoError(t, waitJob(t, running.Job))

	err = waitJob(t, queued.Job)
	require.Error(t, err)
	assert.Equal(t, errs.KindShuttingDown, errs.KindOf(err))

	// No record was completed or failed by the shutdown itself.
	pending, err := store.CountByStatus(context.Background(), models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	_, err = sched.Enqueue(context.Background(), "proj-3", []string{"too late"})
	require.Error(t, err)
	assert.Equal(t, errs.KindShuttingDown, errs.KindOf(err))
}

func TestGetJobAndStats(t *testing.T) {
	store := repository.NewMemoryStore()
	sched := NewScheduler(&stubGenerator{}, store, nil, Config{Workers: 2, QueueSize: 8})
	sched.Start()
	defer sched.Shutdown()

	result, err := sched.Enqueue(context.Background(), "proj-1", []string{"findable"})
	require.NoError(t, err)
	require.NoError(t, waitJob(t, result.Job))

	job, ok := sched.GetJob(result.Job.ID)
	require.True(t, ok)
	assert.Equal(t, result.Job.ID, job.ID)

	_, ok = sched.GetJob("no-such-job")
	assert.False(t, ok)

	stats := sched.Stats()
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 8, stats.QueueCapacity)
	assert.Equal(t, 1, stats.TrackedJobs)
}
