package logger

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// NewSlog wraps a zerolog logger in the slog façade the rest of the
// service logs through. Request-scoped fields travel in the context and
// are resolved per record, so one shared logger serves every handler.
func NewSlog(zl *zerolog.Logger) *slog.Logger {
	return slog.New(&slogBridge{zl: zl})
}

// slogBridge adapts slog records onto zerolog events. Attrs bound via
// WithAttrs are replayed ahead of the record's own attrs on every event.
type slogBridge struct {
	zl    *zerolog.Logger
	bound []slog.Attr
}

// Enabled defers level filtering to zerolog's global level.
func (b *slogBridge) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (b *slogBridge) Handle(ctx context.Context, r slog.Record) error {
	ev := b.event(FromContext(ctx, b.zl), r.Level)
	for _, a := range b.bound {
		ev = appendAttr(ev, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		ev = appendAttr(ev, a)
		return true
	})
	ev.Msg(r.Message)
	return nil
}

func (b *slogBridge) event(base *zerolog.Logger, level slog.Level) *zerolog.Event {
	switch {
	case level <= slog.LevelDebug:
		return base.Debug()
	case level >= slog.LevelError:
		return base.Error()
	case level == slog.LevelWarn:
		return base.Warn()
	default:
		return base.Info()
	}
}

func (b *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := &slogBridge{zl: b.zl}
	cp.bound = append(append(cp.bound, b.bound...), attrs...)
	return cp
}

// WithGroup is a no-op: the service logs flat key-value fields.
func (b *slogBridge) WithGroup(_ string) slog.Handler { return b }

func appendAttr(ev *zerolog.Event, a slog.Attr) *zerolog.Event {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		return ev.Str(a.Key, a.Value.String())
	case slog.KindInt64:
		return ev.Int64(a.Key, a.Value.Int64())
	case slog.KindFloat64:
		return ev.Float64(a.Key, a.Value.Float64())
	case slog.KindBool:
		return ev.Bool(a.Key, a.Value.Bool())
	case slog.KindDuration:
		return ev.Dur(a.Key, a.Value.Duration())
	default:
		return ev.Interface(a.Key, a.Value.Any())
	}
}
