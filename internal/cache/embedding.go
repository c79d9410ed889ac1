package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

// EmbeddingKey derives the deterministic cache key for a text under a
// model: sha256 of the lowercased, trimmed text joined to the model
// name with "|". Texts differing only in surrounding whitespace or
// letter case share one entry.
func EmbeddingKey(text, model string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized + "|" + model))
	return hex.EncodeToString(sum[:])
}

// EmbeddingCache stores float32 vectors on top of the two-tier cache.
type EmbeddingCache struct {
	kv *Cache
}

// NewEmbeddingCache wraps kv with vector encoding.
func NewEmbeddingCache(kv *Cache) *EmbeddingCache {
	return &EmbeddingCache{kv: kv}
}

// Get returns the cached vector for (text, model), if any. An entry
// that fails to decode is dropped and reported as a miss.
func (e *EmbeddingCache) Get(ctx context.Context, text, model string) ([]float32, bool) {
	key := EmbeddingKey(text, model)
	data, ok := e.kv.Get(ctx, key)
	if !ok {
		return nil, false
	}
	vector, err := task.DecodeVector(data)
	if err != nil {
		e.kv.logger.Warn("embedding cache: %v, dropping %s", err, key)
		_ = e.kv.Delete(ctx, key)
		return nil, false
	}
	return vector, true
}

// Set stores one vector. A non-positive ttl falls back to the cache
// default.
func (e *EmbeddingCache) Set(ctx context.Context, text string, vector []float32, model string, ttl time.Duration) error {
	return e.kv.Set(ctx, EmbeddingKey(text, model), task.EncodeVector(vector), ttl)
}

// GetBatch looks up every text. The result preserves input order with
// nil holes for misses; missing indices are returned in input order.
func (e *EmbeddingCache) GetBatch(ctx context.Context, texts []string, model string) ([][]float32, []int) {
	vectors := make([][]float32, len(texts))
	var missing []int
	for i, text := range texts {
		if vector, ok := e.Get(ctx, text, model); ok {
			vectors[i] = vector
			continue
		}
		missing = append(missing, i)
	}
	return vectors, missing
}

// SetBatch stores vectors for texts pairwise. Nil vectors are skipped
// so callers can pass a partially filled batch straight through.
func (e *EmbeddingCache) SetBatch(ctx context.Context, texts []string, vectors [][]float32, model string, ttl time.Duration) error {
	if len(texts) != len(vectors) {
		return apperrors.Newf(apperrors.CodeInvalidArgument,
			"Texts and vectors must pair up: got %d texts and %d vectors.", len(texts), len(vectors))
	}
	for i := range texts {
		if vectors[i] == nil {
			continue
		}
		if err := e.Set(ctx, texts[i], vectors[i], model, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Stats exposes the underlying cache counters.
func (e *EmbeddingCache) Stats() Stats {
	return e.kv.Stats()
}

// Clear empties both tiers.
func (e *EmbeddingCache) Clear(ctx context.Context) error {
	return e.kv.Clear(ctx)
}

// Close releases the underlying cache.
func (e *EmbeddingCache) Close() error {
	return e.kv.Close()
}
