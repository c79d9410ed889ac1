package observability

import (
	"fmt"
)

// Config represents the complete observability configuration
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json, text
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			PrometheusPort: 9464,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "loom",
			ServiceVersion: "1.0.0",
		},
	}
}

// Validate checks configuration values
func (c Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.PrometheusPort <= 0 || c.Metrics.PrometheusPort > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", c.Metrics.PrometheusPort)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "zipkin":
		default:
			return fmt.Errorf("invalid tracing exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1.0 {
			return fmt.Errorf("invalid sample rate: %f (must be 0.0-1.0)", c.Tracing.SampleRate)
		}
	}

	return nil
}
