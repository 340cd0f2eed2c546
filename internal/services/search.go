package services

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"tasksearch/internal/cache"
	"tasksearch/internal/errs"
	"tasksearch/internal/middleware"
	"tasksearch/internal/models"
	"tasksearch/internal/telemetry"
)

const (
	// DefaultThreshold keeps loosely related tasks out of the result set.
	DefaultThreshold = 0.7

	// DefaultLimit and MaxLimit bound the result set size.
	DefaultLimit = 20
	MaxLimit     = 100

	// DefaultSearchTimeout caps one query end to end: embedding the query
	// plus the ranked scan.
	DefaultSearchTimeout = 5 * time.Second
)

// SearchRequest is one similarity query. Threshold and Limit are optional;
// absent values take the defaults.
type SearchRequest struct {
	Query     string   `json:"query"`
	Threshold *float64 `json:"threshold,omitempty"`
	Limit     *int     `json:"limit,omitempty"`
}

// SearchResponse carries the ranked results plus the effective parameters,
// so callers see what defaults were applied.
type SearchResponse struct {
	Query     string                 `json:"query"`
	Threshold float64                `json:"threshold"`
	Limit     int                    `json:"limit"`
	Results   []*models.SearchResult `json:"results"`
	TookMs    int64                  `json:"took_ms"`
	Cached    bool                   `json:"query_embedding_cached"`
}

// SearchServiceImpl embeds the query text and ranks completed records
// against it. The query vector is never persisted; an optional cache keeps
// repeated queries from paying the provider round trip twice.
type SearchServiceImpl struct {
	gen     QueryEmbedder
	store   SearchStore
	cache   cache.EmbeddingCache
	timeout time.Duration
}

// NewSearchService creates a search service. qcache may be nil when no
// query cache is configured; timeout <= 0 takes the default.
func NewSearchService(gen QueryEmbedder, store SearchStore, qcache cache.EmbeddingCache, timeout time.Duration) *SearchServiceImpl {
	if qcache == nil {
		qcache = cache.Noop{}
	}
	if timeout <= 0 {
		timeout = DefaultSearchTimeout
	}
	return &SearchServiceImpl{gen: gen, store: store, cache: qcache, timeout: timeout}
}

// Search validates the request, embeds the query, and returns ranked matches
// strictly above the threshold. A query that cannot be embedded returns an
// error, never a silently empty result set.
func (s *SearchServiceImpl) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	begin := time.Now()

	if strings.TrimSpace(req.Query) == "" {
		return nil, errs.New(errs.KindValidation, "query must not be empty")
	}

	threshold := DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
		if threshold < 0 || threshold > 1 {
			return nil, errs.Newf(errs.KindValidation,
				"threshold %v out of range [0, 1]", threshold)
		}
	}

	limit := DefaultLimit
	if req.Limit != nil {
		limit = *req.Limit
		if limit < 1 || limit > MaxLimit {
			return nil, errs.Newf(errs.KindValidation,
				"limit %d out of range [1, %d]", limit, MaxLimit)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := middleware.StartSpan(ctx, "SearchService.Search",
		attribute.Float64("search.threshold", threshold),
		attribute.Int("search.limit", limit),
	)
	defer span.End()

	queryVec, cached := s.cache.Get(ctx, req.Query)
	if cached {
		telemetry.QueryCacheLookups.WithLabelValues("hit").Inc()
		middleware.AddSpanEvent(ctx, "query embedding cache hit")
	} else {
		telemetry.QueryCacheLookups.WithLabelValues("miss").Inc()

		var err error
		queryVec, err = s.gen.CreateEmbedding(ctx, req.Query)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			if errs.Is(err, errs.KindTimeout) {
				return nil, errs.Wrap(errs.KindTimeout, "search timed out embedding the query", err)
			}
			return nil, errs.Wrap(errs.KindQueryEmbedding, "query could not be embedded", err)
		}
		s.cache.Set(ctx, req.Query, queryVec)
	}

	results, err := s.store.Search(ctx, queryVec, threshold, limit)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		if errs.Is(err, errs.KindTimeout) {
			return nil, errs.Wrap(errs.KindTimeout, "search timed out scanning records", err)
		}
		return nil, err
	}
	if results == nil {
		results = []*models.SearchResult{}
	}

	took := time.Since(begin)
	telemetry.SearchDuration.Observe(took.Seconds())

	return &SearchResponse{
		Query:     req.Query,
		Threshold: threshold,
		Limit:     limit,
		Results:   results,
		TookMs:    took.Milliseconds(),
		Cached:    cached,
	}, nil
}
