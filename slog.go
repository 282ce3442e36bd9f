package emitz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Handler returns an slog.Handler that routes records through l, so code
// written against log/slog gets span correlation and export. Groups are
// flattened into dotted keys.
//
//	slog.SetDefault(slog.New(p.Logger().Handler()))
//	slog.InfoContext(ctx, "cache miss", "key", k)
func (l *Logger) Handler() slog.Handler {
	return &correlationHandler{logger: l}
}

type correlationHandler struct {
	logger *Logger
	attrs  []attribute.KeyValue
	prefix string
}

// Enabled is always true; the local sink receives every level and the
// export level is applied by the logger.
func (*correlationHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *correlationHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make([]attribute.KeyValue, len(h.attrs), len(h.attrs)+r.NumAttrs())
	copy(attrs, h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendSlogAttr(attrs, h.prefix, a)
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = h.logger.clock.Now()
	}
	h.logger.emit(ctx, ts, r.Level, r.Message, attrs)
	return nil
}

func (h *correlationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	if len(as) == 0 {
		return h
	}
	attrs := make([]attribute.KeyValue, len(h.attrs), len(h.attrs)+len(as))
	copy(attrs, h.attrs)
	for _, a := range as {
		attrs = appendSlogAttr(attrs, h.prefix, a)
	}
	return &correlationHandler{logger: h.logger, attrs: attrs, prefix: h.prefix}
}

func (h *correlationHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &correlationHandler{logger: h.logger, attrs: h.attrs, prefix: h.prefix + name + "."}
}

func appendSlogAttr(dst []attribute.KeyValue, prefix string, a slog.Attr) []attribute.KeyValue {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}

	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if len(group) == 0 {
			return dst
		}
		inner := prefix
		if a.Key != "" {
			inner = prefix + a.Key + "."
		}
		for _, ga := range group {
			dst = appendSlogAttr(dst, inner, ga)
		}
		return dst
	}

	key := prefix + a.Key
	v := a.Value
	switch v.Kind() {
	case slog.KindBool:
		return append(dst, attribute.Bool(key, v.Bool()))
	case slog.KindInt64:
		return append(dst, attribute.Int64(key, v.Int64()))
	case slog.KindUint64:
		return append(dst, attribute.Int64(key, int64(v.Uint64()))) //nolint:gosec // overflow acceptable for log values
	case slog.KindFloat64:
		return append(dst, attribute.Float64(key, v.Float64()))
	case slog.KindString:
		return append(dst, attribute.String(key, v.String()))
	case slog.KindDuration:
		return append(dst, attribute.String(key, v.Duration().String()))
	case slog.KindTime:
		return append(dst, attribute.String(key, v.Time().Format(time.RFC3339Nano)))
	default:
		if err, ok := v.Any().(error); ok {
			return append(dst, attribute.String(key, err.Error()))
		}
		return append(dst, attribute.String(key, fmt.Sprint(v.Any())))
	}
}
