// Command loom-server runs the task engine behind its HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"loom/internal/assembler"
	"loom/internal/async"
	"loom/internal/cache"
	"loom/internal/config"
	"loom/internal/embedding"
	apperrors "loom/internal/errors"
	"loom/internal/evaluation"
	"loom/internal/jobs"
	"loom/internal/knowledge"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/observability"
	"loom/internal/planner"
	"loom/internal/retrieval"
	"loom/internal/scheduler"
	"loom/internal/server"
	"loom/internal/store"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "config file (default: ./loom.yaml, then ~/.loom/loom.yaml)")
	debug := flag.Bool("debug", false, "verbose request logging")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom-server: %v\n", err)
		os.Exit(1)
	}

	logging.SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}))

	if err := run(cfg, *debug); err != nil {
		logging.NewComponentLogger("main").Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, debug bool) error {
	logger := logging.NewComponentLogger("main")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(sctx); err != nil {
			logger.Warn("metrics shutdown: %v", err)
		}
	}()

	tracer, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown: %v", err)
		}
	}()

	st, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store open at %s", cfg.Store.DSN)

	embCache, err := buildEmbeddingCache(cfg, metrics)
	if err != nil {
		return fmt.Errorf("embedding cache: %w", err)
	}
	defer embCache.Close()

	asyncMgr := async.NewManager(async.Options{
		Logger: logging.NewComponentLogger("async"),
	})
	defer asyncMgr.Close()

	embClient, err := embedding.NewClient(embedding.ClientConfig{
		APIURL:    cfg.Embedding.APIURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
		Mock:      cfg.Embedding.Mock,
	})
	if err != nil {
		return fmt.Errorf("embedding client: %w", err)
	}
	embSvc := embedding.NewService(embClient, embCache, asyncMgr, embedding.ServiceConfig{
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
		MaxRetries:  cfg.Embedding.MaxRetries,
		RetryDelay:  cfg.Embedding.RetryDelay,
		CacheTTL:    cfg.EmbeddingCache.TTL,
	}, metrics)
	if cfg.Embedding.Mock {
		logger.Info("embedding provider in mock mode")
	}

	autoEmbedOutputs(st, embSvc)

	retriever := retrieval.NewEngine(st, embSvc, retrieval.Config{
		K:              cfg.Context.SemanticDefaultK,
		MinSimilarity:  cfg.Context.SemanticMinSimilarity,
		Alpha:          cfg.Context.StructuralAlpha,
		AttentionBlend: cfg.Context.AttentionBlend,
	})

	var notes assembler.NotesSearcher
	var knowStore *knowledge.Store
	if cfg.Knowledge.Enabled {
		knowStore, err = knowledge.NewStore(knowledge.Config{
			Path:       cfg.Knowledge.Path,
			Collection: cfg.Knowledge.Collection,
		}, embSvc)
		if err != nil {
			return fmt.Errorf("knowledge store: %w", err)
		}
		notes = knowStore
		logger.Info("knowledge store enabled at %s", cfg.Knowledge.Path)
	}

	index := store.NewIndexFile(filepath.Join(cfg.Workspace.Root, "index.md"))

	asm := assembler.New(st, index, retriever, notes, assembler.Config{
		DefaultMaxChars:      cfg.Context.DefaultMaxChars,
		DefaultPerSectionMax: cfg.Context.DefaultPerSectionMax,
		DefaultStrategy:      cfg.Context.DefaultStrategy,
		SemanticK:            cfg.Context.SemanticDefaultK,
		MinSimilarity:        cfg.Context.SemanticMinSimilarity,
		MaxDepth:             cfg.Context.MaxDepth,
	})

	chatClient, err := buildChatClient(cfg, metrics)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	if !cfg.LLM.Mock {
		logger.Info("llm provider %s model=%s key=%s",
			cfg.LLM.APIURL, cfg.LLM.Model, observability.SanitizeAPIKey(cfg.LLM.APIKey))
	}

	var evaluator evaluation.Evaluator
	if cfg.LLM.Mock {
		evaluator = evaluation.NewHeuristicEvaluator(cfg.Evaluation.QualityThreshold)
		logger.Info("llm in mock mode: outputs gated by the heuristic evaluator")
	} else {
		evaluator = evaluation.NewLLMEvaluator(chatClient, logging.NewComponentLogger("evaluator"))
	}
	loop := evaluation.NewLoop(st, evaluator, evaluation.LoopConfig{
		QualityThreshold: cfg.Evaluation.QualityThreshold,
		MaxIterations:    cfg.Evaluation.MaxIterations,
	}, logging.NewComponentLogger("evaluation"), metrics)

	registry := jobs.NewRegistry(jobs.Config{
		HeartbeatInterval: cfg.Jobs.HeartbeatInterval,
		SubscriberBuffer:  cfg.Jobs.SubscriberBuffer,
		HistoryLimit:      cfg.Jobs.HistoryLimit,
	}, logging.NewComponentLogger("jobs"), metrics)
	go pruneJobs(ctx, registry, logger)

	pl := planner.New(st, chatClient, registry, logging.NewComponentLogger("planner"))

	exec := scheduler.NewLLMExecutor(chatClient, logging.NewComponentLogger("executor"), metrics)
	sched := scheduler.New(st, exec, asm, loop, scheduler.Config{
		Parallelism:     cfg.Scheduler.Parallelism,
		DefaultStrategy: cfg.Scheduler.DefaultStrategy,
		QueueBuffer:     cfg.Scheduler.QueueBuffer,
		TaskTimeout:     cfg.Scheduler.TaskTimeout,
	}, logging.NewComponentLogger("scheduler"), metrics, tracer)

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ReadTimeout:     cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Debug:           debug,
		Version:         version,
	}, server.Deps{
		Store:     st,
		Planner:   pl,
		Scheduler: sched,
		Assembler: asm,
		Loop:      loop,
		Jobs:      registry,
		Index:     index,
		Knowledge: knowStore,
		EmbCache:  embCache,
		Async:     asyncMgr,
		Tracer:    tracer,
		Logger:    logging.NewComponentLogger("http"),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("signal received, shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("http shutdown: %v", err)
	}
	return nil
}

// buildEmbeddingCache assembles the two-tier vector cache, with the
// bolt tier attached when persistence is configured.
func buildEmbeddingCache(cfg *config.Config, metrics *observability.MetricsCollector) (*cache.EmbeddingCache, error) {
	opts := cache.Options{
		MaxEntries:      cfg.EmbeddingCache.Size,
		DefaultTTL:      cfg.EmbeddingCache.TTL,
		CleanupInterval: cfg.EmbeddingCache.CleanupInterval,
		Logger:          logging.NewComponentLogger("cache"),
		Metrics:         metrics,
	}
	if cfg.EmbeddingCache.Persistent {
		bolt, err := cache.OpenBolt(cfg.EmbeddingCache.Path)
		if err != nil {
			return nil, err
		}
		opts.Persistent = bolt
	}
	kv, err := cache.New(opts)
	if err != nil {
		return nil, err
	}
	return cache.NewEmbeddingCache(kv), nil
}

// buildChatClient returns the configured chat client: the deterministic
// mock, or the remote provider wrapped with retry and circuit breaking.
func buildChatClient(cfg *config.Config, metrics *observability.MetricsCollector) (llm.Client, error) {
	if cfg.LLM.Mock {
		return llm.NewMockClient(cfg.LLM.Model), nil
	}
	client, err := llm.NewOpenAIClient(llm.Config{
		APIURL:  cfg.LLM.APIURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, err
	}
	retryCfg := apperrors.DefaultRetryConfig()
	if cfg.LLM.Retries > 0 {
		retryCfg.MaxAttempts = cfg.LLM.Retries
	}
	if cfg.LLM.BackoffBase > 0 {
		retryCfg.BaseDelay = cfg.LLM.BackoffBase
	}
	return llm.WrapWithRetry(client, retryCfg, apperrors.DefaultBreakerOptions(), metrics), nil
}

// autoEmbedOutputs registers the store hook that embeds every committed
// task output in the background, keeping vectors warm for retrieval.
// The hook only launches the handle; a waiter goroutine stores the
// vector so the committing writer is never blocked.
func autoEmbedOutputs(st *store.Store, svc *embedding.Service) {
	logger := logging.NewComponentLogger("autoembed")
	st.OnOutput(func(taskID int64, content string) {
		if strings.TrimSpace(content) == "" {
			return
		}
		handle := svc.GetSingleEmbeddingAsync(context.Background(), content)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			vector, err := handle.Await(ctx)
			if err != nil {
				logger.Warn("embed output of task %d: %v", taskID, err)
				return
			}
			if err := st.StoreTaskEmbedding(ctx, taskID, vector, svc.Model()); err != nil {
				logger.Warn("store embedding of task %d: %v", taskID, err)
			}
		}()
	})
}

// pruneJobs drops finished jobs older than a day so the registry stays
// bounded across long uptimes.
func pruneJobs(ctx context.Context, registry *jobs.Registry, logger logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Prune(24 * time.Hour); n > 0 {
				logger.Debug("pruned %d finished jobs", n)
			}
		}
	}
}
