package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"loom/internal/logging"
	"loom/internal/observability"
)

// requestID tags every request with an id for log and trace
// correlation. An inbound X-Request-ID is kept so callers can thread
// their own; the id is echoed in the response.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", id)
		c.Request = c.Request.WithContext(
			observability.ContextWithTraceID(c.Request.Context(), id))
		c.Next()
	}
}

// requestLogger logs one line per request. Streams log their open and
// close; everything else logs on completion.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("%s %s -> %d (%s) id=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(started).Round(time.Millisecond),
			observability.TraceIDFromContext(c.Request.Context()))
	}
}

// requestTracing opens a span per request when a tracer is wired.
func requestTracing(tracer *observability.TracerProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tracer == nil {
			c.Next()
			return
		}
		ctx, span := tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}
