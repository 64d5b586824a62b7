package instrument

import "context"

// NoopInstrumenter records nothing. Spans still report the request's trace
// ID so log lines written while metrics are disabled stay correlated.
type NoopInstrumenter struct{}

func (*NoopInstrumenter) StartSpan(ctx context.Context, _, _, _ string) (context.Context, Span) {
	return ctx, noopSpan{traceID: GetTraceID(ctx)}
}

func (*NoopInstrumenter) EmitBusinessEvent(context.Context, string, string, string, map[string]any) {}

type noopSpan struct{ traceID string }

func (noopSpan) End()                     {}
func (noopSpan) SetStatus(string)         {}
func (noopSpan) SetMetadata(string, any)  {}
func (noopSpan) SetEntity(string, string) {}
func (s noopSpan) TraceID() string        { return s.traceID }
func (noopSpan) SpanID() string           { return "" }
