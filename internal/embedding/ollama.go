// Package embedding generates fixed-length text embeddings via Ollama.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL    = "http://localhost:11434"
	defaultModel      = "nomic-embed-text" // good default, 768 dims
	defaultDimensions = 768
	maxAttempts       = 3
)

// Client generates embeddings through the Ollama API. Dimensionality is
// fixed per instance; a response with a different dimension is an error.
type Client struct {
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
}

// NewClient creates an Ollama embedding client. Zero values select the
// defaults above.
func NewClient(baseURL, model string, dimensions int, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	if dimensions <= 0 {
		dimensions = defaultDimensions
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		model:      model,
		dimensions: dimensions,
		client:     &http.Client{Timeout: timeout},
	}
}

// Dimensions returns the vector length this client produces.
func (c *Client) Dimensions() int {
	return c.dimensions
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text. Transient failures
// are retried with exponential backoff; context cancellation stops the
// retry loop.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		emb, err := c.embedOnce(ctx, text)
		if err == nil {
			return emb, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("embed failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) embedOnce(ctx context.Context, text string) ([]float64, error) {
	jsonBody, err := json.Marshal(embeddingRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(body))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	if len(result.Embedding) != c.dimensions {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(result.Embedding), c.dimensions)
	}

	return result.Embedding, nil
}

// EmbedBatch embeds each text in order. Fails on the first error; Ollama
// has no batch endpoint, so this is sequential round trips.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for i, text := range texts {
		emb, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out = append(out, emb)
	}
	return out, nil
}
