package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the process-wide structured logger. Components consume it
// through the printf bridge in internal/logging; only bootstrap code
// holds it directly.
type Logger struct {
	logger *slog.Logger
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// NewLogger builds a slog-backed logger. Unknown levels fall back to
// info and the zero Output writes to stdout.
func NewLogger(config LogConfig) *Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(config.Level)}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return &Logger{logger: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a logger carrying the extra key/value fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// WithContext stamps the request, workflow, and job ids found in ctx
// onto every line the returned logger emits.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	args := contextArgs(ctx)
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...)}
}

func contextArgs(ctx context.Context) []any {
	var args []any
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		args = append(args, "trace_id", traceID)
	}
	if workflowID := WorkflowIDFromContext(ctx); workflowID != "" {
		args = append(args, "workflow_id", workflowID)
	}
	if jobID := JobIDFromContext(ctx); jobID != "" {
		args = append(args, "job_id", jobID)
	}
	return args
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// SanitizeAPIKey masks a credential so it can appear in startup logs.
func SanitizeAPIKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

type contextKey string

const (
	traceIDKey    contextKey = "trace_id"
	workflowIDKey contextKey = "workflow_id"
	jobIDKey      contextKey = "job_id"
)

// ContextWithTraceID stamps a request id onto ctx.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext reads the request id, or "".
func TraceIDFromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// ContextWithWorkflowID stamps a workflow id onto ctx.
func ContextWithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, workflowIDKey, workflowID)
}

// WorkflowIDFromContext reads the workflow id, or "".
func WorkflowIDFromContext(ctx context.Context) string {
	if workflowID, ok := ctx.Value(workflowIDKey).(string); ok {
		return workflowID
	}
	return ""
}

// ContextWithJobID stamps an async job id onto ctx.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobIDFromContext reads the async job id, or "".
func JobIDFromContext(ctx context.Context) string {
	if jobID, ok := ctx.Value(jobIDKey).(string); ok {
		return jobID
	}
	return ""
}
