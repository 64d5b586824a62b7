package instrument

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"entity-engine/internal/metadata"
)

// Middleware returns a Fiber middleware that sets up tracing for each request.
// It generates (or propagates) a trace ID, creates a root HTTP span, and injects
// the instrumenter into the request context for downstream handlers.
func Middleware(m *Metrics) fiber.Handler {
	instrumenter := NewInstrumenter(m)
	return func(c *fiber.Ctx) error {
		start := time.Now()

		traceID := c.Get("X-Trace-ID")
		if traceID == "" {
			traceID = newUUID()
		}

		ctx := WithTraceID(c.UserContext(), traceID)
		ctx = WithInstrumenter(ctx, instrumenter)
		ctx, span := instrumenter.StartSpan(ctx, "http", "handler", "request")
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		c.SetUserContext(ctx)
		c.Set("X-Trace-ID", traceID)

		err := c.Next()

		// Auth middleware runs downstream and leaves the caller in Locals.
		if user, ok := c.Locals("user").(*metadata.UserContext); ok && user != nil {
			span.SetMetadata("user_id", user.ID)
		}

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		span.SetMetadata("status_code", status)
		if status >= 400 || err != nil {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		span.End()

		route := c.Route().Path
		m.httpRequests.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}
