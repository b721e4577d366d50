package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracing opens an otelgin server span per request named after the route
func Tracing(serviceName string, enabled bool) gin.HandlerFunc {
	if !enabled {
		return passThrough
	}
	return otelgin.Middleware(serviceName)
}

// SpanEnricher adds the request id and subject to the current span and marks
// error responses. It runs inside Tracing so the span is still open.
func SpanEnricher() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		span := trace.SpanFromContext(c.Request.Context())
		if !span.IsRecording() {
			return
		}
		if id := GetRequestID(c); id != "" {
			span.SetAttributes(attribute.String("request_id", id))
		}
		if sub := GetJWTSubject(c); sub != "" {
			span.SetAttributes(attribute.String("subject", sub))
		}

		status := c.Writer.Status()
		if status >= http.StatusBadRequest {
			msg := "Client Error"
			switch {
			case status >= http.StatusInternalServerError:
				msg = "Server Error"
			case status == http.StatusUnauthorized:
				msg = "Unauthorized"
			case status == http.StatusNotFound:
				msg = "Not Found"
			}
			span.SetStatus(codes.Error, msg)
		}
	}
}
