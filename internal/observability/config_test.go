package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.False(t, config.Metrics.Enabled)
	assert.Equal(t, 9464, config.Metrics.PrometheusPort)
	assert.False(t, config.Tracing.Enabled)
	assert.Equal(t, "otlp", config.Tracing.Exporter)
	assert.Equal(t, 1.0, config.Tracing.SampleRate)
	assert.Equal(t, "loom", config.Tracing.ServiceName)
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	content := `
logging:
  level: debug
  format: text
metrics:
  enabled: true
  prometheus_port: 9900
tracing:
  enabled: true
  exporter: zipkin
  zipkin_endpoint: http://localhost:9411/api/v2/spans
  sample_rate: 0.5
`
	var config Config
	require.NoError(t, yaml.Unmarshal([]byte(content), &config))

	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, 9900, config.Metrics.PrometheusPort)
	assert.Equal(t, "zipkin", config.Tracing.Exporter)
	assert.Equal(t, 0.5, config.Tracing.SampleRate)

	out, err := yaml.Marshal(config)
	require.NoError(t, err)
	assert.Contains(t, string(out), "prometheus_port: 9900")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default ok", func(c *Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.PrometheusPort = -1 }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"bad sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 1.5 }, true},
		{"disabled tracing skips exporter check", func(c *Config) { c.Tracing.Exporter = "weird" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDisabledCollectorIsNoop(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	// Must not panic with nil instruments.
	collector.RecordLLMRequest(t.Context(), "m", "ok", 0, 1, 2)
	collector.RecordCacheRequest(t.Context(), "memory", true)
	collector.RecordTaskExecution(t.Context(), "done", "dag", 0)
	collector.TaskStarted(t.Context())
	collector.TaskFinished(t.Context())
	require.NoError(t, collector.Shutdown(t.Context()))
}

func TestNoopTracerProvider(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: false})
	require.NoError(t, err)

	ctx, span := tp.StartSpan(t.Context(), SpanTaskExecute, TaskAttrs(7)...)
	assert.NotNil(t, ctx)
	span.End()
	require.NoError(t, tp.Shutdown(t.Context()))
}
