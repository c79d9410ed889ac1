package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"loom/internal/async"
	"loom/internal/cache"
	apperrors "loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/observability"
)

// Async job kinds tracked by the manager.
const (
	KindEmbedBatch  = "embed_batch"
	KindEmbedSingle = "embed_single"
	KindPrecompute  = "precompute"
)

// ServiceConfig tunes the cache-aware embedding pipeline.
type ServiceConfig struct {
	BatchSize        int           // max texts per provider call
	Concurrency      int           // parallel sub-batch fan-out
	MaxRetries       int           // retries after the first attempt
	RetryDelay       time.Duration // backoff base delay
	CacheTTL         time.Duration // 0 uses the cache default
	TargetThroughput float64       // texts/sec above which batches grow
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.BatchSize > maxProviderBatch {
		c.BatchSize = maxProviderBatch
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Service computes embeddings through the cache: batch lookups first,
// provider calls for the misses, writeback after. Provider calls are
// chunked by the adaptive batch size and retried on transient failures.
type Service struct {
	client  Client
	cache   *cache.EmbeddingCache
	manager *async.Manager
	cfg     ServiceConfig
	tuner   *batchTuner
	logger  logging.Logger
	metrics *observability.MetricsCollector
}

// NewService wires the pipeline. The manager may be shared with other
// components; a nil manager gets a private one.
func NewService(client Client, embCache *cache.EmbeddingCache, manager *async.Manager, cfg ServiceConfig, metrics *observability.MetricsCollector) *Service {
	cfg = cfg.withDefaults()
	logger := logging.NewComponentLogger("embedding")
	if manager == nil {
		manager = async.NewManager(async.Options{Logger: logger})
	}
	return &Service{
		client:  client,
		cache:   embCache,
		manager: manager,
		cfg:     cfg,
		tuner:   newBatchTuner(cfg.BatchSize, cfg.TargetThroughput),
		logger:  logger,
		metrics: metrics,
	}
}

// Model reports the provider model embeddings are computed with.
func (s *Service) Model() string { return s.client.Model() }

// Dimension reports the configured vector width.
func (s *Service) Dimension() int { return s.client.Dimension() }

// Manager exposes the async manager for stats endpoints.
func (s *Service) Manager() *async.Manager { return s.manager }

// GetEmbeddings returns one vector per non-empty input text, in input
// order. Texts that are empty after trimming are dropped from the
// result. Results are cached by (text, model).
func (s *Service) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	trimmed := make([]string, len(texts))
	for i, text := range texts {
		trimmed[i] = strings.TrimSpace(text)
	}

	model := s.client.Model()
	vectors, missing := s.cache.GetBatch(ctx, trimmed, model)

	// Duplicate misses share one provider slot. The cache key ignores
	// case, so dedupe does too.
	var missTexts []string
	slots := make(map[string]int)
	fills := make(map[int][]int)
	for _, idx := range missing {
		text := trimmed[idx]
		if text == "" {
			continue
		}
		key := strings.ToLower(text)
		j, seen := slots[key]
		if !seen {
			j = len(missTexts)
			slots[key] = j
			missTexts = append(missTexts, text)
		}
		fills[j] = append(fills[j], idx)
	}

	if s.metrics != nil {
		if hits := len(trimmed) - len(missing); hits > 0 {
			s.metrics.RecordEmbeddingTexts(ctx, "cache", hits)
		}
	}

	if len(missTexts) > 0 {
		s.logger.Debug("embedding %d/%d texts via provider", len(missTexts), len(texts))
		computed, err := s.computeBatches(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetBatch(ctx, missTexts, computed, model, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("embedding cache writeback failed: %v", err)
		}
		for j, indices := range fills {
			for _, idx := range indices {
				vectors[idx] = computed[j]
			}
		}
	}

	out := make([][]float32, 0, len(texts))
	for i, vec := range vectors {
		if trimmed[i] == "" {
			continue
		}
		out = append(out, vec)
	}
	return out, nil
}

// GetEmbedding returns the vector for a single text.
func (s *Service) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.GetEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "Cannot embed an empty text.")
	}
	return vectors[0], nil
}

// computeBatches splits texts into sub-batches no larger than the
// current adaptive size and runs them with bounded fan-out. Results
// land in input order.
func (s *Service) computeBatches(ctx context.Context, texts []string) ([][]float32, error) {
	chunks := splitBatch(texts, s.tuner.current())
	results := make([][]float32, len(texts))

	if len(chunks) == 1 {
		vectors, err := s.embedChunk(ctx, chunks[0])
		if err != nil {
			return nil, err
		}
		copy(results, vectors)
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	offset := 0
	for _, chunk := range chunks {
		start := offset
		chunk := chunk
		offset += len(chunk)
		g.Go(func() error {
			vectors, err := s.embedChunk(gctx, chunk)
			if err != nil {
				return err
			}
			copy(results[start:start+len(chunk)], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedChunk calls the provider for one sub-batch with transient-only
// retries, feeding the batch tuner and metrics on every attempt.
func (s *Service) embedChunk(ctx context.Context, chunk []string) ([][]float32, error) {
	retryCfg := apperrors.RetryConfig{
		MaxAttempts:  s.cfg.MaxRetries,
		BaseDelay:    s.cfg.RetryDelay,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
	return apperrors.RetryWithResultAndLog(ctx, retryCfg, func(ctx context.Context) ([][]float32, error) {
		start := time.Now()
		vectors, err := s.client.Embed(ctx, chunk)
		latency := time.Since(start)

		s.tuner.observe(len(chunk), latency, err)
		if s.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			s.metrics.RecordEmbeddingBatch(ctx, status, len(chunk), latency)
		}
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(chunk) {
			return nil, apperrors.NewTransientError(
				fmt.Errorf("got %d vectors for %d texts", len(vectors), len(chunk)),
				"The provider returned an incomplete batch. Retrying.")
		}
		if want := s.client.Dimension(); want > 0 {
			for i, vec := range vectors {
				if len(vec) != want {
					return nil, apperrors.NewPermanentError(
						fmt.Errorf("vector %d has dimension %d, want %d", i, len(vec), want),
						"The provider returned vectors of an unexpected dimension. Check embedding.dimension.")
				}
			}
		}
		return vectors, nil
	}, s.logger)
}

// GetEmbeddingsAsync runs GetEmbeddings in the background.
func (s *Service) GetEmbeddingsAsync(ctx context.Context, texts []string) *async.Handle[[][]float32] {
	return async.Launch(s.manager, ctx, KindEmbedBatch, func(ctx context.Context) ([][]float32, error) {
		return s.GetEmbeddings(ctx, texts)
	})
}

// GetSingleEmbeddingAsync runs GetEmbedding in the background.
func (s *Service) GetSingleEmbeddingAsync(ctx context.Context, text string) *async.Handle[[]float32] {
	return async.Launch(s.manager, ctx, KindEmbedSingle, func(ctx context.Context) ([]float32, error) {
		return s.GetEmbedding(ctx, text)
	})
}

// PrecomputeAsync warms the cache for texts in the background, calling
// progress after each processed chunk. The handle resolves to the
// number of vectors computed or found.
func (s *Service) PrecomputeAsync(ctx context.Context, texts []string, progress func(done, total int)) *async.Handle[int] {
	return async.Launch(s.manager, ctx, KindPrecompute, func(ctx context.Context) (int, error) {
		total := len(texts)
		processed := 0
		embedded := 0
		for _, chunk := range splitBatch(texts, s.cfg.BatchSize) {
			vectors, err := s.GetEmbeddings(ctx, chunk)
			if err != nil {
				return embedded, err
			}
			embedded += len(vectors)
			processed += len(chunk)
			if progress != nil {
				progress(processed, total)
			}
		}
		return embedded, nil
	})
}
