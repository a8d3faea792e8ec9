// Package memory implements the workspace index: SQLite FTS5 for
// keyword search, persisted embeddings for semantic search, and a
// reciprocal-rank-fusion merge over both.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// CosineSimilarity computes the cosine of the angle between two
// vectors, returning 0 for degenerate inputs.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0
	}
	return float32(sim)
}

const openAIEmbedURL = "https://api.openai.com/v1/embeddings"

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	apiKey string
	model  string
	dims   int
	client *http.Client
}

// NewOpenAIEmbedder builds an embedder; text-embedding-3-small is the
// default model at 1536 dimensions.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{
		apiKey: apiKey,
		model:  model,
		dims:   1536,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }
func (e *OpenAIEmbedder) Name() string    { return "openai/" + e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIEmbedURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding request failed (status %d): %s", resp.StatusCode, body)
	}

	var decoded struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if len(decoded.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(decoded.Data))
	}
	out := make([][]float32, len(decoded.Data))
	for i, d := range decoded.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// LocalEmbedder is a deterministic offline embedder derived from
// content hashes. It carries no semantic signal but gives stable
// vectors for tests and for running without an API key.
type LocalEmbedder struct {
	dims int
}

func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &LocalEmbedder{dims: dims}
}

func (e *LocalEmbedder) Dimensions() int { return e.dims }
func (e *LocalEmbedder) Name() string    { return "local" }

func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	sum := sha256.Sum256([]byte(text))
	seed := sum[:]
	for i := 0; i < e.dims; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(seed)
			seed = next[:]
		}
		bits := binary.LittleEndian.Uint32(seed[(i%8)*4 : (i%8)*4+4])
		vec[i] = float32(bits%2000)/1000.0 - 1.0
	}
	return vec, nil
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
