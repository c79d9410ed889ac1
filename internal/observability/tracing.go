package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter       string  `mapstructure:"exporter" yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint" yaml:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate" yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string  `mapstructure:"service_version" yaml:"service_version"`
}

func (c TracingConfig) withDefaults() TracingConfig {
	if c.ServiceName == "" {
		c.ServiceName = "loom"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1.0 {
		c.SampleRate = 1.0
	}
	return c
}

// TracerProvider owns the span pipeline. When tracing is disabled it
// hands out a noop tracer and Shutdown does nothing, so callers never
// branch on the config themselves.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds the process tracer and installs it as the
// otel global.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("loom"),
		}, nil
	}
	config = config.withDefaults()

	exporter, err := newSpanExporter(config)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("loom"),
	}, nil
}

func newSpanExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err := otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exporter, nil
	case "zipkin":
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err := zipkin.New(endpoint)
		if err != nil {
			return nil, fmt.Errorf("zipkin exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
}

// Shutdown flushes buffered spans. Safe on a disabled provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a new span, stamping workflow and job ids from context.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if workflowID := WorkflowIDFromContext(ctx); workflowID != "" {
		attrs = append(attrs, attribute.String(AttrWorkflowID, workflowID))
	}
	if jobID := JobIDFromContext(ctx); jobID != "" {
		attrs = append(attrs, attribute.String(AttrJobID, jobID))
	}

	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names
const (
	SpanSchedulerRun    = "loom.scheduler.run"
	SpanTaskExecute     = "loom.task.execute"
	SpanContextAssemble = "loom.context.assemble"
	SpanLLMGenerate     = "loom.llm.generate"
	SpanEmbeddingBatch  = "loom.embedding.batch"
	SpanEvaluationLoop  = "loom.evaluation.loop"
	SpanPlanPropose     = "loom.plan.propose"
	SpanHTTPServer      = "loom.http.request"
	SpanSSEConnection   = "loom.sse.connection"
)

// Common attribute keys
const (
	AttrWorkflowID = "loom.workflow_id"
	AttrTaskID     = "loom.task_id"
	AttrPlanTitle  = "loom.plan_title"
	AttrJobID      = "loom.job_id"
	AttrStrategy   = "loom.strategy"
	AttrModel      = "loom.llm.model"
	AttrIteration  = "loom.iteration"
	AttrStatus     = "loom.status"
	AttrError      = "loom.error"
	AttrBatchSize  = "loom.embedding.batch_size"
)

// TaskAttrs creates task attributes.
func TaskAttrs(taskID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrTaskID, taskID),
	}
}

// PlanAttrs creates plan attributes.
func PlanAttrs(title string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrPlanTitle, title),
	}
}

// StrategyAttrs creates strategy attributes.
func StrategyAttrs(strategy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStrategy, strategy),
	}
}

// LLMAttrs creates LLM attributes.
func LLMAttrs(model string, inputTokens, outputTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrModel, model),
		attribute.Int("loom.llm.input_tokens", inputTokens),
		attribute.Int("loom.llm.output_tokens", outputTokens),
	}
}

// IterationAttrs creates iteration attributes.
func IterationAttrs(iteration int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrIteration, iteration),
	}
}

// StatusAttrs creates status attributes.
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// ErrorAttrs marks a span failed with the error message attached.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
