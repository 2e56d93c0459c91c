// Package embedding provides text-embedding providers and the vector
// primitives (binary codec, cosine similarity) shared by the storage
// backends.
package embedding

import "context"

// Provider generates vector embeddings from text. Dimension must be stable
// across calls for a given provider instance.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds a Provider from config. Unknown provider names default to the
// OpenAI-compatible API provider.
func New(cfg Config) Provider {
	if cfg.Provider == "local" {
		return NewLocalProvider(cfg)
	}
	return NewAPIProvider(cfg)
}
