package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksearch/internal/errs"
	"tasksearch/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("test-key", "text-embedding-3-small", timeout)
	c.BaseURL = srv.URL
	return c
}

func embeddingPayload(dims int) []byte {
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32(i) / float32(dims)
	}
	body, _ := json.Marshal(map[string]any{
		"data":  []map[string]any{{"embedding": vec, "index": 0}},
		"model": "text-embedding-3-small",
	})
	return body
}

func TestCreateEmbedding(t *testing.T) {
	var gotAuth string
	var gotReq embeddingRequest

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write(embeddingPayload(models.Dimensions))
	}, 0)

	vec, err := client.CreateEmbedding(context.Background(), "prepare launch checklist")
	require.NoError(t, err)

	assert.Len(t, vec, models.Dimensions)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, []string{"prepare launch checklist"}, gotReq.Input)
	assert.Equal(t, "text-embedding-3-small", gotReq.Model)
}

func TestCreateEmbeddingEmptyText(t *testing.T) {
	client := NewClient("test-key", "", 0)

	_, err := client.CreateEmbedding(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestCreateEmbeddingRateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
	}, 0)

	_, err := client.CreateEmbedding(context.Background(), "triage support tickets")
	require.Error(t, err)
	assert.Equal(t, errs.KindRateLimited, errs.KindOf(err))
}

func TestCreateEmbeddingProviderDown(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}, 0)

	_, err := client.CreateEmbedding(context.Background(), "triage support tickets")
	require.Error(t, err)
	assert.Equal(t, errs.KindProviderUnavailable, errs.KindOf(err))
}

func TestCreateEmbeddingUnreachable(t *testing.T) {
	client := NewClient("test-key", "", 0)
	client.BaseURL = "http://127.0.0.1:1" // nothing listens here

	_, err := client.CreateEmbedding(context.Background(), "triage support tickets")
	require.Error(t, err)
	assert.Equal(t, errs.KindProviderUnavailable, errs.KindOf(err))
}

func TestCreateEmbeddingTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	start := time.Now()
	_, err := client.CreateEmbedding(context.Background(), "triage support tickets")
	require.Error(t, err)

	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
	assert.Less(t, time.Since(start), time.Second, "must give up at the deadline")
}

func TestCreateEmbeddingInvalidResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>gateway error</html>"},
		{name: "empty data", body: `{"data": [], "model": "text-embedding-3-small"}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(test.body))
			}, 0)

			_, err := client.CreateEmbedding(context.Background(), "triage support tickets")
			require.Error(t, err)
			assert.Equal(t, errs.KindInvalidResponse, errs.KindOf(err))
		})
	}
}

func TestCreateEmbeddingWrongDimensions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(embeddingPayload(8))
	}, 0)

	_, err := client.CreateEmbedding(context.Background(), "triage support tickets")
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidResponse, errs.KindOf(err))
}
