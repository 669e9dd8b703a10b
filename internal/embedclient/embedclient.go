// Package embedclient implements C1: normalize text, call the external
// embedding model, return a fixed-dimension vector. Grounded on the
// teacher's embedder.go (provider switch, retry+backoff, dimension
// normalization) and llm.go's HTTP client shape.
package embedclient

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/semaphore"

	"agent-mem/internal/config"
	"agent-mem/internal/errs"
)

type Role string

const (
	RoleQuery    Role = "query"
	RoleDocument Role = "document"
)

type Client struct {
	provider     string
	model        string
	dimension    int
	batchSize    int
	rolePrefixes map[string]string
	http         *httpEmbedder
	sem          *semaphore.Weighted
	disabled     atomic.Bool
}

func New(cfg config.EmbeddingConfig) *Client {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "mock"
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &Client{
		provider:     provider,
		model:        cfg.Model,
		dimension:    cfg.Dimension,
		batchSize:    cfg.BatchSize,
		rolePrefixes: cfg.RolePrefixes,
		http:         newHTTPEmbedder(cfg),
		sem:          semaphore.NewWeighted(int64(maxInFlight)),
	}
}

// Embed returns a vector of configured dimension D for text under role.
func (c *Client) Embed(ctx context.Context, text string, role Role) (pgvector.Vector, error) {
	if strings.TrimSpace(text) == "" {
		return pgvector.Vector{}, errs.New(errs.InvalidInput, "empty text")
	}
	if c.disabled.Load() {
		return pgvector.Vector{}, errs.New(errs.EmbeddingMismatch, "model disabled after dimension mismatch, awaiting config change")
	}
	vectors, err := c.EmbedBatch(ctx, []string{text}, role)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds multiple texts sharing the same role in one call,
// bounding in-flight requests per spec §5 backpressure.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, role Role) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.disabled.Load() {
		return nil, errs.New(errs.EmbeddingMismatch, "model disabled after dimension mismatch, awaiting config change")
	}
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errs.New(errs.InvalidInput, "empty text in batch")
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.CancelledOrTimedOut, "acquire embedding slot", err)
	}
	defer c.sem.Release(1)

	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = c.prefixFor(role) + t
	}

	batchSize := c.batchSize
	if batchSize <= 0 {
		batchSize = 16
	}

	out := make([]pgvector.Vector, 0, len(texts))
	for start := 0; start < len(prefixed); start += batchSize {
		end := start + batchSize
		if end > len(prefixed) {
			end = len(prefixed)
		}
		vectors, err := c.embedWithRetry(ctx, prefixed[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Client) prefixFor(role Role) string {
	if c.rolePrefixes == nil {
		return ""
	}
	return c.rolePrefixes[string(role)]
}

func (c *Client) embedWithRetry(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := c.embedOnce(ctx, texts)
		if err == nil {
			vectors := make([]pgvector.Vector, 0, len(raw))
			for _, v := range raw {
				if len(v) != c.dimension {
					c.disabled.Store(true)
					return nil, errs.New(errs.EmbeddingMismatch,
						fmt.Sprintf("expected dimension %d, got %d", c.dimension, len(v)))
				}
				vectors = append(vectors, pgvector.NewVector(v))
			}
			return vectors, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.CancelledOrTimedOut, "embedding cancelled", ctx.Err())
		case <-time.After(time.Duration(200*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, errs.Wrap(errs.EmbeddingUnavailable, "embedding call failed after retries", lastErr)
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	switch c.provider {
	case "mock":
		out := make([][]float32, 0, len(texts))
		for _, t := range texts {
			out = append(out, mockEmbed(t, c.dimension))
		}
		return out, nil
	case "qwen", "http":
		if c.model == "" {
			return nil, fmt.Errorf("missing embedding model configuration")
		}
		return c.http.Embeddings(ctx, c.model, texts)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", c.provider)
	}
}

// mockEmbed deterministically derives a unit-ish vector from text, mirroring
// the teacher's mockEmbed (md5-seeded, tiled to dimension).
func mockEmbed(text string, dimension int) []float32 {
	sum := md5.Sum([]byte(text))
	base := make([]float32, len(sum))
	for i, b := range sum {
		base[i] = float32(b) / 255.0
	}
	if dimension <= 0 {
		return base
	}
	out := make([]float32, dimension)
	for i := 0; i < dimension; i++ {
		out[i] = base[i%len(base)]
	}
	return out
}

// httpEmbedder talks to a Qwen-compatible embeddings endpoint, grounded on
// llm.go's QwenClient usage shape (base URL + API key env + JSON body).
type httpEmbedder struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newHTTPEmbedder(cfg config.EmbeddingConfig) *httpEmbedder {
	return &httpEmbedder{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  envAPIKey(cfg.APIKeyEnv),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (h *httpEmbedder) Embeddings(ctx context.Context, model string, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: model, Input: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding request failed: %s: %s", resp.Status, string(data))
	}
	var parsed embeddingsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: want %d got %d", len(texts), len(parsed.Data))
	}
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func envAPIKey(envVar string) string {
	if envVar == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envVar))
}
