package httpmw

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/stagehand/stagehand/internal/common/tracing"
)

// WebhookActionKey is the gin context key under which the webhook handler
// records the tracker action, so the span can carry it.
const WebhookActionKey = "webhook.action"

// OtelTracing wraps each request in an OTel span. A no-op when tracing is
// disabled (no OTEL_EXPORTER_OTLP_ENDPOINT).
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		ctx, span := tracer.Start(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, path))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRouteKey.String(path),
			semconv.HTTPResponseStatusCodeKey.Int(status),
		)
		if action := c.GetString(WebhookActionKey); action != "" {
			span.SetAttributes(attribute.String(WebhookActionKey, action))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
