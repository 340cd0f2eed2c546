// Package openai adapts the OpenAI embeddings endpoint to the generator
// contract: one text in, one fixed-dimension vector or a typed error out.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tasksearch/internal/errs"
	"tasksearch/internal/models"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "text-embedding-3-small"
	defaultTimeout = 10 * time.Second
)

// Client calls the provider's embeddings endpoint. It never retries and
// never panics on provider failure; every outcome is a vector or a typed
// error. Retry policy belongs to the caller.
type Client struct {
	APIKey  string
	BaseURL string
	Model   string

	timeout time.Duration
	client  *http.Client
}

// NewClient builds a client with the given key, model, and per-call deadline.
// Empty model and zero timeout fall back to the package defaults.
func NewClient(apiKey, model string, timeout time.Duration) *Client {
	if model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		APIKey:  apiKey,
		BaseURL: defaultBaseURL,
		Model:   model,
		timeout: timeout,
		client:  &http.Client{},
	}
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// CreateEmbedding converts one text into one vector of models.Dimensions
// floats. The call is bounded by the client's deadline even when the parent
// context carries a longer one.
func (c *Client) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errs.New(errs.KindValidation, "text must not be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody, err := json.Marshal(embeddingRequest{
		Input: []string{text},
		Model: c.Model,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embeddings", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.KindTimeout, "embeddings call exceeded deadline", err)
		}
		return nil, errs.Wrap(errs.KindProviderUnavailable, "failed to reach embeddings endpoint", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("embeddings request failed with status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, errs.New(errs.KindRateLimited, msg)
		}
		return nil, errs.New(errs.KindProviderUnavailable, msg)
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, errs.Wrap(errs.KindInvalidResponse, "failed to decode embeddings response", err)
	}

	if len(embResp.Data) == 0 {
		return nil, errs.New(errs.KindInvalidResponse, "no embeddings returned")
	}

	embedding := embResp.Data[0].Embedding
	if len(embedding) != models.Dimensions {
		return nil, errs.Newf(errs.KindInvalidResponse,
			"embedding has %d dimensions, want %d", len(embedding), models.Dimensions)
	}

	return embedding, nil
}
