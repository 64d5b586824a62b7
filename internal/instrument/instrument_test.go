package instrument

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInstrumenterDefaultsToNoop(t *testing.T) {
	inst := GetInstrumenter(context.Background())
	_, ok := inst.(*NoopInstrumenter)
	assert.True(t, ok)
}

func TestSpanObservesDuration(t *testing.T) {
	m := NewMetrics()
	ctx := WithInstrumenter(context.Background(), NewInstrumenter(m))
	ctx = WithTraceID(ctx, "trace-1")

	child, span := GetInstrumenter(ctx).StartSpan(ctx, "engine", "rows", "row.create")
	span.SetEntity("project", "r1")
	span.SetStatus("ok")
	span.End()
	span.End()

	assert.Equal(t, "trace-1", span.TraceID())
	assert.Equal(t, span.SpanID(), getParentSpanID(child))
	assert.Equal(t, 1, testutil.CollectAndCount(m.spanDuration))
}

func TestBusinessEventCounter(t *testing.T) {
	m := NewMetrics()
	inst := NewInstrumenter(m)
	inst.EmitBusinessEvent(context.Background(), "workflow.action", "project", "r1", map[string]any{"to": "done"})
	inst.EmitBusinessEvent(context.Background(), "workflow.action", "project", "r2", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.businessEvents.WithLabelValues("workflow.action", "project")))
}

func TestMiddlewareCountsRequestsAndServesMetrics(t *testing.T) {
	m := NewMetrics()
	app := fiber.New()
	app.Use(Middleware(m))
	app.Get("/ping", func(c *fiber.Ctx) error {
		_, span := GetInstrumenter(c.UserContext()).StartSpan(c.UserContext(), "engine", "test", "ping")
		span.SetStatus("ok")
		span.End()
		return c.SendString("pong")
	})
	app.Get("/metrics", m.Handler())

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Trace-ID", "abc")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "abc", resp.Header.Get("X-Trace-ID"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/ping", "200")))

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestNoopSpanKeepsTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-9")
	_, span := GetInstrumenter(ctx).StartSpan(ctx, "http", "rows", "row.get")
	span.End()
	assert.Equal(t, "trace-9", span.TraceID())
	assert.Empty(t, span.SpanID())
}
