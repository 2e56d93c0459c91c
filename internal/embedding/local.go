package embedding

import (
	"context"
	"net/http"
	"time"
)

// LocalProvider implements Provider using an Ollama-compatible embeddings API.
type LocalProvider struct {
	endpoint  string
	model     string
	dimension int
	client    *http.Client
	dims      dimCache
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed sends each text to the Ollama-compatible endpoint. The endpoint only
// accepts one prompt per request, so inputs are embedded sequentially.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var result localResponse
		err := postJSON(ctx, p.client, p.endpoint+"/api/embeddings", "",
			localRequest{Model: p.model, Prompt: text}, &result)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, result.Embedding)
	}
	p.dims.observe(embeddings)

	return embeddings, nil
}

// Dimension returns the embedding vector dimension: the cached value from the
// first result, or the configured default before any call succeeds.
func (p *LocalProvider) Dimension() int {
	return p.dims.value(p.dimension)
}
