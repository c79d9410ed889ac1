package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"loom/internal/observability"
)

// Config is the full engine configuration tree. Every knob has a default so
// a zero-config start works with the mock providers.
type Config struct {
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	Store          StoreConfig          `mapstructure:"store" yaml:"store"`
	LLM            LLMConfig            `mapstructure:"llm" yaml:"llm"`
	Embedding      EmbeddingConfig      `mapstructure:"embedding" yaml:"embedding"`
	EmbeddingCache EmbeddingCacheConfig `mapstructure:"embedding_cache" yaml:"embedding_cache"`
	Context        ContextConfig        `mapstructure:"context" yaml:"context"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler" yaml:"scheduler"`
	Evaluation     EvaluationConfig     `mapstructure:"evaluation" yaml:"evaluation"`
	Jobs           JobsConfig           `mapstructure:"jobs" yaml:"jobs"`
	Knowledge      KnowledgeConfig      `mapstructure:"knowledge" yaml:"knowledge"`
	Workspace      WorkspaceConfig      `mapstructure:"workspace" yaml:"workspace"`
	Observability  observability.Config `mapstructure:"observability" yaml:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig configures the relational task store.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// LLMConfig configures the remote chat client.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	APIURL      string        `mapstructure:"api_url" yaml:"api_url"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries     int           `mapstructure:"retries" yaml:"retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	Mock        bool          `mapstructure:"mock" yaml:"mock"`
}

// EmbeddingConfig configures the remote embedding client.
type EmbeddingConfig struct {
	APIURL      string        `mapstructure:"api_url" yaml:"api_url"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Dimension   int           `mapstructure:"dimension" yaml:"dimension"`
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	Mock        bool          `mapstructure:"mock" yaml:"mock"`
}

// EmbeddingCacheConfig sizes the two-tier embedding cache.
type EmbeddingCacheConfig struct {
	Size            int           `mapstructure:"size" yaml:"size"`
	Persistent      bool          `mapstructure:"persistent" yaml:"persistent"`
	Path            string        `mapstructure:"path" yaml:"path"`
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// ContextConfig holds assembler and retrieval defaults.
type ContextConfig struct {
	DefaultMaxChars       int     `mapstructure:"default_max_chars" yaml:"default_max_chars"`
	DefaultPerSectionMax  int     `mapstructure:"default_per_section_max" yaml:"default_per_section_max"`
	DefaultStrategy       string  `mapstructure:"default_strategy" yaml:"default_strategy"`
	SemanticDefaultK      int     `mapstructure:"semantic_default_k" yaml:"semantic_default_k"`
	SemanticMinSimilarity float64 `mapstructure:"semantic_min_similarity" yaml:"semantic_min_similarity"`
	StructuralAlpha       float64 `mapstructure:"structural_alpha" yaml:"structural_alpha"`
	AttentionBlend        float64 `mapstructure:"attention_blend" yaml:"attention_blend"`
	MaxDepth              int     `mapstructure:"max_depth" yaml:"max_depth"`
}

// SchedulerConfig bounds parallel task execution.
type SchedulerConfig struct {
	Parallelism     int           `mapstructure:"parallelism" yaml:"parallelism"`
	DefaultStrategy string        `mapstructure:"default_strategy" yaml:"default_strategy"`
	QueueBuffer     int           `mapstructure:"queue_buffer" yaml:"queue_buffer"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
}

// EvaluationConfig tunes the quality gate.
type EvaluationConfig struct {
	QualityThreshold float64 `mapstructure:"quality_threshold" yaml:"quality_threshold"`
	MaxIterations    int     `mapstructure:"max_iterations" yaml:"max_iterations"`
}

// JobsConfig tunes the async job registry.
type JobsConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	HistoryLimit      int           `mapstructure:"history_limit" yaml:"history_limit"`
}

// KnowledgeConfig configures the optional notes retriever.
type KnowledgeConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// WorkspaceConfig is accepted for compatibility; sandboxing itself lives
// outside the engine.
type WorkspaceConfig struct {
	Root          string `mapstructure:"root" yaml:"root"`
	CPULimit      int    `mapstructure:"cpu_limit" yaml:"cpu_limit"`
	MemoryLimitMB int    `mapstructure:"memory_limit" yaml:"memory_limit"`
}

// Default returns the baked-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			CORSOrigins:     []string{"*"},
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    "loom.db",
		},
		LLM: LLMConfig{
			Provider:    "openai",
			APIURL:      "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
			Timeout:     120 * time.Second,
			Retries:     3,
			BackoffBase: time.Second,
		},
		Embedding: EmbeddingConfig{
			APIURL:      "https://api.openai.com/v1",
			Model:       "text-embedding-3-small",
			Dimension:   1536,
			BatchSize:   32,
			MaxRetries:  3,
			RetryDelay:  time.Second,
			Timeout:     30 * time.Second,
			Concurrency: 4,
		},
		EmbeddingCache: EmbeddingCacheConfig{
			Size:            10000,
			Persistent:      true,
			Path:            "loom-embeddings.db",
			TTL:             720 * time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
		Context: ContextConfig{
			DefaultMaxChars:       8000,
			DefaultPerSectionMax:  2000,
			DefaultStrategy:       "sentence",
			SemanticDefaultK:      5,
			SemanticMinSimilarity: 0.3,
			StructuralAlpha:       0.3,
			AttentionBlend:        0.5,
			MaxDepth:              10,
		},
		Scheduler: SchedulerConfig{
			Parallelism:     4,
			DefaultStrategy: "dag",
			QueueBuffer:     2,
			TaskTimeout:     5 * time.Minute,
		},
		Evaluation: EvaluationConfig{
			QualityThreshold: 0.8,
			MaxIterations:    3,
		},
		Jobs: JobsConfig{
			HeartbeatInterval: 15 * time.Second,
			SubscriberBuffer:  64,
			HistoryLimit:      1000,
		},
		Knowledge: KnowledgeConfig{
			Enabled:    false,
			Path:       "loom-knowledge",
			Collection: "notes",
		},
		Workspace: WorkspaceConfig{
			Root: ".",
		},
		Observability: observability.DefaultConfig(),
	}
}

// Load reads configuration from the given file (or the default search path
// when empty), applies environment overrides with the LOOM_ prefix, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loom")
		v.AddConfigPath("$HOME/.loom")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file on the default search path is fine; an explicit
		// path that cannot be read is not.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.cors_origins", def.Server.CORSOrigins)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)

	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.dsn", def.Store.DSN)

	v.SetDefault("llm.provider", def.LLM.Provider)
	v.SetDefault("llm.api_url", def.LLM.APIURL)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", def.LLM.Model)
	v.SetDefault("llm.temperature", def.LLM.Temperature)
	v.SetDefault("llm.max_tokens", def.LLM.MaxTokens)
	v.SetDefault("llm.timeout", def.LLM.Timeout)
	v.SetDefault("llm.retries", def.LLM.Retries)
	v.SetDefault("llm.backoff_base", def.LLM.BackoffBase)
	v.SetDefault("llm.mock", def.LLM.Mock)

	v.SetDefault("embedding.api_url", def.Embedding.APIURL)
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", def.Embedding.Model)
	v.SetDefault("embedding.dimension", def.Embedding.Dimension)
	v.SetDefault("embedding.batch_size", def.Embedding.BatchSize)
	v.SetDefault("embedding.max_retries", def.Embedding.MaxRetries)
	v.SetDefault("embedding.retry_delay", def.Embedding.RetryDelay)
	v.SetDefault("embedding.timeout", def.Embedding.Timeout)
	v.SetDefault("embedding.concurrency", def.Embedding.Concurrency)
	v.SetDefault("embedding.mock", def.Embedding.Mock)

	v.SetDefault("embedding_cache.size", def.EmbeddingCache.Size)
	v.SetDefault("embedding_cache.persistent", def.EmbeddingCache.Persistent)
	v.SetDefault("embedding_cache.path", def.EmbeddingCache.Path)
	v.SetDefault("embedding_cache.ttl", def.EmbeddingCache.TTL)
	v.SetDefault("embedding_cache.cleanup_interval", def.EmbeddingCache.CleanupInterval)

	v.SetDefault("context.default_max_chars", def.Context.DefaultMaxChars)
	v.SetDefault("context.default_per_section_max", def.Context.DefaultPerSectionMax)
	v.SetDefault("context.default_strategy", def.Context.DefaultStrategy)
	v.SetDefault("context.semantic_default_k", def.Context.SemanticDefaultK)
	v.SetDefault("context.semantic_min_similarity", def.Context.SemanticMinSimilarity)
	v.SetDefault("context.structural_alpha", def.Context.StructuralAlpha)
	v.SetDefault("context.attention_blend", def.Context.AttentionBlend)
	v.SetDefault("context.max_depth", def.Context.MaxDepth)

	v.SetDefault("scheduler.parallelism", def.Scheduler.Parallelism)
	v.SetDefault("scheduler.default_strategy", def.Scheduler.DefaultStrategy)
	v.SetDefault("scheduler.queue_buffer", def.Scheduler.QueueBuffer)
	v.SetDefault("scheduler.task_timeout", def.Scheduler.TaskTimeout)

	v.SetDefault("evaluation.quality_threshold", def.Evaluation.QualityThreshold)
	v.SetDefault("evaluation.max_iterations", def.Evaluation.MaxIterations)

	v.SetDefault("jobs.heartbeat_interval", def.Jobs.HeartbeatInterval)
	v.SetDefault("jobs.subscriber_buffer", def.Jobs.SubscriberBuffer)
	v.SetDefault("jobs.history_limit", def.Jobs.HistoryLimit)

	v.SetDefault("knowledge.enabled", def.Knowledge.Enabled)
	v.SetDefault("knowledge.path", def.Knowledge.Path)
	v.SetDefault("knowledge.collection", def.Knowledge.Collection)

	v.SetDefault("workspace.root", def.Workspace.Root)
	v.SetDefault("workspace.cpu_limit", def.Workspace.CPULimit)
	v.SetDefault("workspace.memory_limit", def.Workspace.MemoryLimitMB)

	v.SetDefault("observability.logging.level", def.Observability.Logging.Level)
	v.SetDefault("observability.logging.format", def.Observability.Logging.Format)
	v.SetDefault("observability.metrics.enabled", def.Observability.Metrics.Enabled)
	v.SetDefault("observability.metrics.prometheus_port", def.Observability.Metrics.PrometheusPort)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", def.Observability.Tracing.Exporter)
	v.SetDefault("observability.tracing.otlp_endpoint", def.Observability.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.sample_rate", def.Observability.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", def.Observability.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", def.Observability.Tracing.ServiceVersion)
}

// Validate rejects out-of-range values early so components can trust the tree.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must not be empty")
	}
	if c.LLM.Retries < 0 {
		return fmt.Errorf("llm.retries must be >= 0, got %d", c.LLM.Retries)
	}
	if c.Embedding.Dimension < 1 {
		return fmt.Errorf("embedding.dimension must be >= 1, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.BatchSize < 1 {
		return fmt.Errorf("embedding.batch_size must be >= 1, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.Concurrency < 1 {
		return fmt.Errorf("embedding.concurrency must be >= 1, got %d", c.Embedding.Concurrency)
	}
	if c.EmbeddingCache.Size < 1 {
		return fmt.Errorf("embedding_cache.size must be >= 1, got %d", c.EmbeddingCache.Size)
	}
	switch c.Context.DefaultStrategy {
	case "truncate", "sentence":
	default:
		return fmt.Errorf("context.default_strategy must be truncate or sentence, got %q", c.Context.DefaultStrategy)
	}
	if c.Context.SemanticDefaultK < 1 {
		return fmt.Errorf("context.semantic_default_k must be >= 1, got %d", c.Context.SemanticDefaultK)
	}
	if c.Context.StructuralAlpha < 0 || c.Context.StructuralAlpha > 1 {
		return fmt.Errorf("context.structural_alpha must be in [0, 1], got %g", c.Context.StructuralAlpha)
	}
	if c.Context.AttentionBlend < 0 || c.Context.AttentionBlend > 1 {
		return fmt.Errorf("context.attention_blend must be in [0, 1], got %g", c.Context.AttentionBlend)
	}
	if c.Scheduler.Parallelism < 1 {
		return fmt.Errorf("scheduler.parallelism must be >= 1, got %d", c.Scheduler.Parallelism)
	}
	switch c.Scheduler.DefaultStrategy {
	case "bfs", "dag", "postorder":
	default:
		return fmt.Errorf("scheduler.default_strategy must be bfs, dag or postorder, got %q", c.Scheduler.DefaultStrategy)
	}
	if c.Evaluation.QualityThreshold < 0 || c.Evaluation.QualityThreshold > 1 {
		return fmt.Errorf("evaluation.quality_threshold must be in [0, 1], got %g", c.Evaluation.QualityThreshold)
	}
	if c.Evaluation.MaxIterations < 0 {
		return fmt.Errorf("evaluation.max_iterations must be >= 0, got %d", c.Evaluation.MaxIterations)
	}
	if c.Jobs.SubscriberBuffer < 1 {
		return fmt.Errorf("jobs.subscriber_buffer must be >= 1, got %d", c.Jobs.SubscriberBuffer)
	}
	return nil
}
