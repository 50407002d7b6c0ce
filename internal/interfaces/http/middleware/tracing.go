// Package middleware provides HTTP middleware for the stock ledger API.
package middleware

import (
	"net/http"

	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxAttributeLength caps header-derived span attribute values
const MaxAttributeLength = 128

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	ServiceName string
	Enabled     bool
	// TracerProvider defaults to the global provider when nil.
	TracerProvider trace.TracerProvider
}

// Tracing returns the otelgin middleware, or a pass-through when disabled.
func Tracing(cfg TracingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	var opts []otelgin.Option
	if cfg.TracerProvider != nil {
		opts = append(opts, otelgin.WithTracerProvider(cfg.TracerProvider))
	}
	return otelgin.Middleware(cfg.ServiceName, opts...)
}

// SpanAttributes tags the request span with the request id and the
// reservation or projection the route addresses, and marks 4xx and 5xx
// responses as failed. It must run after Tracing and the request logger.
func SpanAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if span.IsRecording() {
			enrichSpan(c)
		}
		c.Next()
		if span.IsRecording() {
			markSpanStatus(span, c.Writer.Status())
		}
	}
}

func enrichSpan(c *gin.Context) {
	span := trace.SpanFromContext(c.Request.Context())
	if id := logger.GetRequestID(c.Request.Context()); id != "" {
		span.SetAttributes(attribute.String("request_id", truncate(id)))
	}
	if id := c.Param("id"); id != "" {
		span.SetAttributes(attribute.String("stockledger.reservation_id", truncate(id)))
	}
	if name := c.Param("name"); name != "" {
		span.SetAttributes(attribute.String("stockledger.projection", truncate(name)))
	}
}

func markSpanStatus(span trace.Span, status int) {
	if status < http.StatusBadRequest {
		return
	}
	span.SetStatus(codes.Error, http.StatusText(status))
	span.SetAttributes(attribute.Int("http.status_code", status))
}

func truncate(s string) string {
	if len(s) > MaxAttributeLength {
		return s[:MaxAttributeLength]
	}
	return s
}
