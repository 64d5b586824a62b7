package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Context keys
type ctxKey int

const (
	traceIDKey ctxKey = iota
	parentSpanIDKey
	instrumenterKey
	userIDKey
)

// Instrumenter interface defines the tracing API.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

// Span interface represents a timed operation span.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

func newUUID() string {
	return uuid.New().String()
}

// WithTraceID sets the trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithParentSpanID sets the parent span ID in the context.
func WithParentSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, parentSpanIDKey, spanID)
}

func getParentSpanID(ctx context.Context) string {
	if v, ok := ctx.Value(parentSpanIDKey).(string); ok {
		return v
	}
	return ""
}

// WithInstrumenter sets the instrumenter in the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context,
// or a NoopInstrumenter if none is set.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return &NoopInstrumenter{}
}

// WithUserID sets the user ID in the context for instrumentation.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func getUserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// MetricsInstrumenter records span durations and business events as
// Prometheus series and logs finished spans at debug level.
type MetricsInstrumenter struct {
	metrics *Metrics
}

func NewInstrumenter(m *Metrics) *MetricsInstrumenter {
	return &MetricsInstrumenter{metrics: m}
}

// StartSpan creates a new span and returns the updated context.
func (i *MetricsInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	span := &SpanImpl{
		traceID:      GetTraceID(ctx),
		spanID:       newUUID(),
		parentSpanID: getParentSpanID(ctx),
		userID:       getUserID(ctx),
		source:       source,
		component:    component,
		action:       action,
		startTime:    time.Now(),
		metadata:     make(map[string]any),
		metrics:      i.metrics,
	}

	// Child spans reference this span as parent
	ctx = WithParentSpanID(ctx, span.spanID)
	return ctx, span
}

// EmitBusinessEvent counts a one-shot business event.
func (i *MetricsInstrumenter) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	i.metrics.businessEvents.WithLabelValues(action, entity).Inc()
	log.Debug().
		Str("trace_id", GetTraceID(ctx)).
		Str("user_id", getUserID(ctx)).
		Str("action", action).
		Str("entity", entity).
		Str("record_id", recordID).
		Fields(metadata).
		Msg("business event")
}

// SpanImpl implements the Span interface with timing and metadata.
type SpanImpl struct {
	traceID      string
	spanID       string
	parentSpanID string
	userID       string
	source       string
	component    string
	action       string
	entity       string
	recordID     string
	status       string
	startTime    time.Time
	metadata     map[string]any
	metrics      *Metrics
	mu           sync.Mutex
	ended        bool
}

func (s *SpanImpl) TraceID() string { return s.traceID }
func (s *SpanImpl) SpanID() string  { return s.spanID }

func (s *SpanImpl) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *SpanImpl) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

func (s *SpanImpl) SetEntity(entity, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entity = entity
	if recordID != "" {
		s.recordID = recordID
	}
}

// End observes the span duration. Calling End twice is a no-op.
func (s *SpanImpl) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	elapsed := time.Since(s.startTime)
	status := s.status
	if status == "" {
		status = "unset"
	}
	s.metrics.spanDuration.WithLabelValues(s.source, s.component, s.action, status).Observe(elapsed.Seconds())

	log.Debug().
		Str("trace_id", s.traceID).
		Str("span_id", s.spanID).
		Str("parent_span_id", s.parentSpanID).
		Str("user_id", s.userID).
		Str("source", s.source).
		Str("component", s.component).
		Str("action", s.action).
		Str("entity", s.entity).
		Str("record_id", s.recordID).
		Str("status", status).
		Dur("duration", elapsed).
		Fields(s.metadata).
		Msg("span")
}
