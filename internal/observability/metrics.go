package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the engine's meter instruments. A collector built
// from a disabled config is a no-op, so call sites never nil-check.
type MetricsCollector struct {
	meter metric.Meter

	// Task execution
	tasksExecuted metric.Int64Counter
	tasksActive   metric.Int64UpDownCounter
	taskDuration  metric.Float64Histogram

	// LLM calls
	llmRequests     metric.Int64Counter
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmLatency      metric.Float64Histogram

	// Embedding pipeline
	embeddingBatches metric.Int64Counter
	embeddingTexts   metric.Int64Counter
	embeddingLatency metric.Float64Histogram

	// Two-tier cache
	cacheRequests  metric.Int64Counter
	cacheEvictions metric.Int64Counter

	// Evaluation loop
	evaluationIterations metric.Int64Counter

	// Async jobs
	jobEvents  metric.Int64Counter
	jobsActive metric.Int64UpDownCounter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port" yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("loom")

	collector := &MetricsCollector{meter: meter}

	collector.tasksExecuted, err = meter.Int64Counter(
		"loom.tasks.executed.total",
		metric.WithDescription("Tasks executed, by final status and strategy"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_executed counter: %w", err)
	}

	collector.tasksActive, err = meter.Int64UpDownCounter(
		"loom.tasks.active",
		metric.WithDescription("Tasks currently running"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_active gauge: %w", err)
	}

	collector.taskDuration, err = meter.Float64Histogram(
		"loom.tasks.duration",
		metric.WithDescription("Per-task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task_duration histogram: %w", err)
	}

	collector.llmRequests, err = meter.Int64Counter(
		"loom.llm.requests.total",
		metric.WithDescription("Total number of LLM requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm_requests counter: %w", err)
	}

	collector.llmTokensInput, err = meter.Int64Counter(
		"loom.llm.tokens.input",
		metric.WithDescription("Total input tokens sent to the LLM"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm_tokens_input counter: %w", err)
	}

	collector.llmTokensOutput, err = meter.Int64Counter(
		"loom.llm.tokens.output",
		metric.WithDescription("Total output tokens from the LLM"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm_tokens_output counter: %w", err)
	}

	collector.llmLatency, err = meter.Float64Histogram(
		"loom.llm.latency",
		metric.WithDescription("LLM request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm_latency histogram: %w", err)
	}

	collector.embeddingBatches, err = meter.Int64Counter(
		"loom.embedding.batches.total",
		metric.WithDescription("Embedding sub-batches sent to the provider"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding_batches counter: %w", err)
	}

	collector.embeddingTexts, err = meter.Int64Counter(
		"loom.embedding.texts.total",
		metric.WithDescription("Texts embedded, by source (cache, remote, mock)"),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding_texts counter: %w", err)
	}

	collector.embeddingLatency, err = meter.Float64Histogram(
		"loom.embedding.latency",
		metric.WithDescription("Embedding provider call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding_latency histogram: %w", err)
	}

	collector.cacheRequests, err = meter.Int64Counter(
		"loom.cache.requests.total",
		metric.WithDescription("Cache lookups, by tier and result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_requests counter: %w", err)
	}

	collector.cacheEvictions, err = meter.Int64Counter(
		"loom.cache.evictions.total",
		metric.WithDescription("Cache entries evicted or expired"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_evictions counter: %w", err)
	}

	collector.evaluationIterations, err = meter.Int64Counter(
		"loom.evaluation.iterations.total",
		metric.WithDescription("Evaluation iterations, by verdict"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation_iterations counter: %w", err)
	}

	collector.jobEvents, err = meter.Int64Counter(
		"loom.jobs.events.total",
		metric.WithDescription("Job registry events broadcast to subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job_events counter: %w", err)
	}

	collector.jobsActive, err = meter.Int64UpDownCounter(
		"loom.jobs.active",
		metric.WithDescription("Jobs currently queued or running"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs_active gauge: %w", err)
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordTaskExecution records one finished task
func (m *MetricsCollector) RecordTaskExecution(ctx context.Context, status, strategy string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("status", status),
		attribute.String("strategy", strategy),
	}

	m.tasksExecuted.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// TaskStarted increments the running-task gauge
func (m *MetricsCollector) TaskStarted(ctx context.Context) {
	if m.tasksActive == nil {
		return
	}
	m.tasksActive.Add(ctx, 1)
}

// TaskFinished decrements the running-task gauge
func (m *MetricsCollector) TaskFinished(ctx context.Context) {
	if m.tasksActive == nil {
		return
	}
	m.tasksActive.Add(ctx, -1)
}

// RecordLLMRequest records an LLM request
func (m *MetricsCollector) RecordLLMRequest(ctx context.Context, model string, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m.llmRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("status", status),
	}

	m.llmRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.llmTokensInput.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmTokensOutput.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEmbeddingBatch records one provider sub-batch call
func (m *MetricsCollector) RecordEmbeddingBatch(ctx context.Context, status string, size int, latency time.Duration) {
	if m.embeddingBatches == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("status", status)}
	m.embeddingBatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.embeddingLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
	m.embeddingTexts.Add(ctx, int64(size), metric.WithAttributes(attribute.String("source", "remote")))
}

// RecordEmbeddingTexts attributes embedded texts to a source tier
func (m *MetricsCollector) RecordEmbeddingTexts(ctx context.Context, source string, count int) {
	if m.embeddingTexts == nil {
		return
	}
	m.embeddingTexts.Add(ctx, int64(count), metric.WithAttributes(attribute.String("source", source)))
}

// RecordCacheRequest records one cache lookup outcome
func (m *MetricsCollector) RecordCacheRequest(ctx context.Context, tier string, hit bool) {
	if m.cacheRequests == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	))
}

// RecordCacheEviction counts evicted or expired entries
func (m *MetricsCollector) RecordCacheEviction(ctx context.Context, tier string, count int) {
	if m.cacheEvictions == nil {
		return
	}
	m.cacheEvictions.Add(ctx, int64(count), metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordEvaluationIteration records one scored iteration
func (m *MetricsCollector) RecordEvaluationIteration(ctx context.Context, verdict string) {
	if m.evaluationIterations == nil {
		return
	}
	m.evaluationIterations.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// RecordJobEvent records one broadcast job event
func (m *MetricsCollector) RecordJobEvent(ctx context.Context, eventType string) {
	if m.jobEvents == nil {
		return
	}
	m.jobEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// JobStarted increments the active-job gauge
func (m *MetricsCollector) JobStarted(ctx context.Context) {
	if m.jobsActive == nil {
		return
	}
	m.jobsActive.Add(ctx, 1)
}

// JobFinished decrements the active-job gauge
func (m *MetricsCollector) JobFinished(ctx context.Context) {
	if m.jobsActive == nil {
		return
	}
	m.jobsActive.Add(ctx, -1)
}
