package emitz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// spanKeyType is a private type for context keys to avoid collisions.
type spanKeyType string

const (
	spanKey spanKeyType = "emitz.span"
)

// ErrSpanEnded reports a mutation attempted on a span that already ended.
var ErrSpanEnded = errors.New("emitz: span already ended")

// Attributes maps attribute keys to scalar values.
type Attributes map[string]attribute.Value

// isScalar reports whether kv carries a bool, int64, float64 or string.
func isScalar(kv attribute.KeyValue) bool {
	if !kv.Valid() {
		return false
	}
	switch kv.Value.Type() {
	case attribute.BOOL, attribute.INT64, attribute.FLOAT64, attribute.STRING:
		return true
	default:
		return false
	}
}

// Keys returns the attribute keys in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy that shares no map storage with a.
// attribute.Value is immutable, so copying the map is a deep copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the attributes as a flat object of native values.
func (a Attributes) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(a))
	for k, v := range a {
		m[k] = v.AsInterface()
	}
	return json.Marshal(m)
}

// Status is the outcome recorded on a span.
type Status struct {
	Code        codes.Code `json:"code"`
	Description string     `json:"description,omitempty"`
}

// Span represents a single unit of work in a trace.
// A Span handed to a Buffer is a terminal snapshot and is never modified.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Span struct {
	Attributes Attributes    `json:"attributes,omitempty"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	TraceID    string        `json:"trace_id"`
	SpanID     string        `json:"span_id"`
	ParentID   string        `json:"parent_id,omitempty"`
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool {
	return s.ParentID == ""
}

func (s *Span) clone() Span {
	c := *s
	c.Attributes = s.Attributes.Clone()
	return c
}

// SpanContext identifies a span for correlation.
type SpanContext struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// IsValid reports whether both identifiers are present.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID != "" && sc.SpanID != ""
}

// ActiveSpan is the handle to an open span.
// Safe for concurrent use by multiple goroutines. All methods are no-ops on a
// nil receiver, so callers can use the result of SpanFromContext unchecked.
type ActiveSpan struct {
	span   *Span
	tracer *Tracer
	parent *ActiveSpan
	remote trace.SpanContext // remote parent of the outermost local span
	mu     sync.Mutex
	ended  atomic.Bool
}

// SetAttributes adds or replaces attributes on the span.
// Non-scalar values are skipped.
func (a *ActiveSpan) SetAttributes(attrs ...attribute.KeyValue) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ended.Load() {
		a.tracer.misuse("SetAttributes", a.span.Name)
		return
	}

	for _, kv := range attrs {
		if !isScalar(kv) {
			continue
		}
		if a.span.Attributes == nil {
			a.span.Attributes = make(Attributes, len(attrs))
		}
		a.span.Attributes[string(kv.Key)] = kv.Value
	}
}

// SetStatus records the outcome of the span.
// Unset never overwrites a recorded status and Ok is final. The description is
// kept only for Error.
func (a *ActiveSpan) SetStatus(code codes.Code, description string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ended.Load() {
		a.tracer.misuse("SetStatus", a.span.Name)
		return
	}
	a.setStatusLocked(code, description)
}

func (a *ActiveSpan) setStatusLocked(code codes.Code, description string) {
	if code == codes.Unset || a.span.Status.Code == codes.Ok {
		return
	}
	a.span.Status.Code = code
	if code == codes.Error {
		a.span.Status.Description = description
	} else {
		a.span.Status.Description = ""
	}
}

// End completes the span and hands it to the tracer's span buffer.
// Safe to call multiple times - subsequent calls are no-ops.
func (a *ActiveSpan) End() {
	a.finish(nil)
}

// EndWith completes the span using the result of the unit of work it
// measured. A non-nil err marks the span as Error and records the
// exception.type and exception.message attributes.
func (a *ActiveSpan) EndWith(err error) {
	a.finish(err)
}

func (a *ActiveSpan) finish(err error) {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.ended.Load() {
		a.mu.Unlock()
		return
	}

	if err != nil {
		a.setStatusLocked(codes.Error, err.Error())
		if a.span.Attributes == nil {
			a.span.Attributes = make(Attributes, 2)
		}
		a.span.Attributes["exception.type"] = attribute.StringValue(fmt.Sprintf("%T", err))
		a.span.Attributes["exception.message"] = attribute.StringValue(err.Error())
	}

	end := a.tracer.clock.Now()
	if end.Before(a.span.StartTime) {
		end = a.span.StartTime
	}
	a.span.EndTime = end
	a.span.Duration = end.Sub(a.span.StartTime)
	a.ended.Store(true)
	snapshot := a.span.clone()
	a.mu.Unlock()

	a.tracer.collect(snapshot)
}

// Ended reports whether End or EndWith has been called.
func (a *ActiveSpan) Ended() bool {
	if a == nil {
		return true
	}
	return a.ended.Load()
}

// SpanContext returns the identity of the span.
func (a *ActiveSpan) SpanContext() SpanContext {
	if a == nil {
		return SpanContext{}
	}
	// IDs are written once in StartSpan before the span is shared.
	return SpanContext{TraceID: a.span.TraceID, SpanID: a.span.SpanID}
}

// Attribute returns the current value of key.
func (a *ActiveSpan) Attribute(key string) (attribute.Value, bool) {
	if a == nil {
		return attribute.Value{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	v, ok := a.span.Attributes[key]
	return v, ok
}

// Context returns parent with this span set as the active span.
func (a *ActiveSpan) Context(parent context.Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, spanKey, a)
}

// SpanFromContext returns the innermost open span in ctx, or nil.
// Spans that have already ended are skipped in favour of their parents, so a
// context captured inside a finished child still resolves to the enclosing
// open span.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(spanKey).(*ActiveSpan)
	for a != nil && a.ended.Load() {
		a = a.parent
	}
	return a
}

// Current returns the identity of the innermost open span in ctx.
func Current(ctx context.Context) (SpanContext, bool) {
	a := SpanFromContext(ctx)
	if a == nil {
		return SpanContext{}, false
	}
	return a.SpanContext(), true
}

// remoteParent returns the remote span context that spans started in ctx
// continue when no local span is open. Once every local span in ctx has
// ended, this is the remote parent the outermost one was started under, not
// the ended span recorded for outbound propagation.
func remoteParent(ctx context.Context) trace.SpanContext {
	if ctx == nil {
		return trace.SpanContext{}
	}
	if a, ok := ctx.Value(spanKey).(*ActiveSpan); ok && a != nil {
		return a.remote
	}
	return trace.SpanContextFromContext(ctx)
}

// correlation returns the span identity that records emitted under ctx
// belong to: the innermost open span, else a valid remote parent.
func correlation(ctx context.Context) (SpanContext, bool) {
	if a := SpanFromContext(ctx); a != nil {
		return a.SpanContext(), true
	}
	if remote := remoteParent(ctx); remote.IsValid() {
		return SpanContext{
			TraceID: remote.TraceID().String(),
			SpanID:  remote.SpanID().String(),
		}, true
	}
	return SpanContext{}, false
}
