// Package embedding turns text into vectors: an OpenAI-compatible
// provider client, a deterministic mock for offline runs, and a
// cache-aware batching service with an async surface.
package embedding

import (
	"context"
	"time"
)

// Client computes embeddings for a batch of texts. Implementations
// return one vector per input, in input order.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// ClientConfig selects and configures the provider client.
type ClientConfig struct {
	APIURL       string
	APIKey       string
	Model        string
	Dimension    int
	Timeout      time.Duration
	MaxBodyBytes int64
	Mock         bool
}

// NewClient builds the configured client: the deterministic mock when
// Mock is set, otherwise the remote provider.
func NewClient(cfg ClientConfig) (Client, error) {
	if cfg.Mock {
		return NewMockClient(cfg.Model, cfg.Dimension), nil
	}
	return NewOpenAIClient(cfg)
}
