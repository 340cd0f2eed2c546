package services

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksearch/internal/errs"
	"tasksearch/internal/models"
	"tasksearch/internal/repository"
)

func unitX() []float32 {
	vec := make([]float32, models.Dimensions)
	vec[0] = 1
	return vec
}

func dirVector(cos float64) []float32 {
	vec := make([]float32, models.Dimensions)
	vec[0] = float32(cos)
	vec[1] = float32(math.Sqrt(1 - cos*cos))
	return vec
}

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]float32
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]float32)}
}

func (c *mapCache) Get(ctx context.Context, text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.entries[text]
	return vec, ok
}

func (c *mapCache) Set(ctx context.Context, text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[text] = vec
}

func (c *mapCache) Close() error { return nil }

// seedCompleted inserts one completed record whose similarity against unitX
// is exactly sim.
func seedCompleted(t *testing.T, store *repository.MemoryStore, text string, sim float64) {
	t.Helper()
	rec, err := models.NewTaskEmbedding(text, "proj-1")
	require.NoError(t, err)
	_, _, err = store.CreatePending(context.Background(), []*models.TaskEmbedding{rec})
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(context.Background(), rec.RecordID, dirVector(sim)))
}

func TestSearchRanksAboveThreshold(t *testing.T) {
	store := repository.NewMemoryStore()
	sims := []float64{0.95, 0.82, 0.71, 0.69, 0.50}
	texts := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for i, text := range texts {
		seedCompleted(t, store, text, sims[i])
	}

	svc := NewSearchService(&stubEmbedder{vec: unitX()}, store, nil, 0)

	threshold, limit := 0.7, 5
	resp, err := svc.Search(context.Background(), SearchRequest{
		Query:     "infrastructure tasks",
		Threshold: &threshold,
		Limit:     &limit,
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 3)
	assert.Equal(t, "alpha", resp.Results[0].Text)
	assert.Equal(t, "bravo", resp.Results[1].Text)
	assert.Equal(t, "charlie", resp.Results[2].Text)
	for i, want := range []float64{0.95, 0.82, 0.71} {
		assert.InDelta(t, want, resp.Results[i].Similarity, 1e-3)
	}
	assert.Equal(t, 0.7, resp.Threshold)
	assert.Equal(t, 5, resp.Limit)
}

func TestSearchAppliesDefaults(t *testing.T) {
	store := repository.NewMemoryStore()
	seedCompleted(t, store, "close match", 0.9)
	seedCompleted(t, store, "distant match", 0.3)

	svc := NewSearchService(&stubEmbedder{vec: unitX()}, store, nil, 0)

	resp, err := svc.Search(context.Background(), SearchRequest{Query: "match"})
	require.NoError(t, err)

	assert.Equal(t, DefaultThreshold, resp.Threshold)
	assert.Equal(t, DefaultLimit, resp.Limit)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "close match", resp.Results[0].Text)
}

func TestSearchValidation(t *testing.T) {
	svc := NewSearchService(&stubEmbedder{vec: unitX()}, repository.NewMemoryStore(), nil, 0)

	bad := func(v float64) *float64 { return &v }
	badInt := func(v int) *int { return &v }

	tests := []struct {
		name string
		req  SearchRequest
	}{
		{"empty query", SearchRequest{Query: "   "}},
		{"threshold too high", SearchRequest{Query: "q", Threshold: bad(1.5)}},
		{"threshold negative", SearchRequest{Query: "q", Threshold: bad(-0.1)}},
		{"limit zero", SearchRequest{Query: "q", Limit: badInt(0)}},
		{"limit too large", SearchRequest{Query: "q", Limit: badInt(MaxLimit + 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Search(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestSearchEmbeddingFailureIsTyped(t *testing.T) {
	store := repository.NewMemoryStore()
	seedCompleted(t, store, "unreachable", 0.9)

	tests := []struct {
		name     string
		genErr   error
		wantKind errs.Kind
	}{
		{
			"provider outage",
			errs.New(errs.KindProviderUnavailable, "connection refused"),
			errs.KindQueryEmbedding,
		},
		{
			"provider timeout",
			errs.New(errs.KindTimeout, "deadline exceeded"),
			errs.KindTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewSearchService(&stubEmbedder{err: tt.genErr}, store, nil, 0)
			_, err := svc.Search(context.Background(), SearchRequest{Query: "anything"})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errs.KindOf(err))
		})
	}
}

func TestSearchEmptyStoreReturnsEmptyResults(t *testing.T) {
	svc := NewSearchService(&stubEmbedder{vec: unitX()}, repository.NewMemoryStore(), nil, 0)

	resp, err := svc.Search(context.Background(), SearchRequest{Query: "nothing here"})
	require.NoError(t, err)
	require.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestSearchReusesCachedQueryEmbedding(t *testing.T) {
	store := repository.NewMemoryStore()
	seedCompleted(t, store, "cached hit", 0.9)

	gen := &stubEmbedder{vec: unitX()}
	svc := NewSearchService(gen, store, newMapCache(), 0)

	first, err := svc.Search(context.Background(), SearchRequest{Query: "repeat me"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.Search(context.Background(), SearchRequest{Query: "repeat me"})
	require.NoError(t, err)
	assert.True(t, second.Cached)

	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, first.Results[0].RecordID, second.Results[0].RecordID)
}
