package logging

import (
	"context"

	"loom/internal/observability"
)

type jobIDCapable interface {
	WithJobID(string) Logger
}

// WithJobID returns a logger that tags log lines with an async job id.
func WithJobID(logger Logger, jobID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if jobID == "" {
		return logger
	}
	if capable, ok := logger.(jobIDCapable); ok {
		return capable.WithJobID(jobID)
	}
	return &jobIDLogger{logger: OrNop(logger), jobID: jobID}
}

// FromContext returns a logger tagged with the job id found in context, if any.
func FromContext(ctx context.Context, logger Logger) Logger {
	return WithJobID(logger, observability.JobIDFromContext(ctx))
}

type jobIDLogger struct {
	logger Logger
	jobID  string
}

func (l *jobIDLogger) Debug(format string, args ...any) {
	l.logger.Debug(prefixJobID(l.jobID, format), args...)
}

func (l *jobIDLogger) Info(format string, args ...any) {
	l.logger.Info(prefixJobID(l.jobID, format), args...)
}

func (l *jobIDLogger) Warn(format string, args ...any) {
	l.logger.Warn(prefixJobID(l.jobID, format), args...)
}

func (l *jobIDLogger) Error(format string, args ...any) {
	l.logger.Error(prefixJobID(l.jobID, format), args...)
}

func prefixJobID(jobID, format string) string {
	if jobID == "" {
		return format
	}
	return "job=" + jobID + " " + format
}
