// Package logging provides the structured logger used across ragspace,
// backed by zerolog.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the structured logging contract used by every component.
// Production code calls New(component); tests may swap in a discard
// logger via NewWith(io.Discard, "").
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, err error, fields ...any)
	WithComponent(component string) Logger
	WithContext(ctx context.Context) Logger
}

type zlogger struct {
	l zerolog.Logger
}

// New builds a component-scoped Logger writing JSON lines to stderr.
func New(component string) Logger {
	return NewWith(os.Stderr, component)
}

// NewWith builds a component-scoped Logger writing to the given writer.
func NewWith(w io.Writer, component string) Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	if component != "" {
		zl = zl.With().Str("component", component).Logger()
	}
	return &zlogger{l: zl}
}

func withFields(e *zerolog.Event, fields []any) *zerolog.Event {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, fields[i+1])
	}
	return e
}

func (z *zlogger) Debug(msg string, fields ...any) {
	withFields(z.l.Debug(), fields).Msg(msg)
}

func (z *zlogger) Info(msg string, fields ...any) {
	withFields(z.l.Info(), fields).Msg(msg)
}

func (z *zlogger) Warn(msg string, fields ...any) {
	withFields(z.l.Warn(), fields).Msg(msg)
}

func (z *zlogger) Error(msg string, err error, fields ...any) {
	e := z.l.Error()
	if err != nil {
		e = e.Err(err)
	}
	withFields(e, fields).Msg(msg)
}

func (z *zlogger) WithComponent(component string) Logger {
	return &zlogger{l: z.l.With().Str("component", component).Logger()}
}

func (z *zlogger) WithContext(ctx context.Context) Logger {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return &zlogger{l: z.l.With().Str("trace_id", traceID).Logger()}
	}
	return z
}

type traceIDKey struct{}

// WithTraceID attaches a trace id to ctx for WithContext to pick up.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// Noop returns a Logger that discards everything, for use in tests.
func Noop() Logger {
	return NewWith(io.Discard, "")
}
