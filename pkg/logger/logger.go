package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

var (
	ctxKey = loggerKey{}
)

type loggerKey struct{}

type handler int

const (
	JSONHandler handler = iota
	TextHandler
	DevHandler
)

const (
	DefaultLevel = slog.LevelInfo

	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger wraps slog with a trace level and a chainable With.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Log(ctx context.Context, level slog.Level, msg string, args ...any)
	With(args ...any) Logger
	SLog() *slog.Logger
}

type Opt func(o *opts)

type opts struct {
	writer  io.Writer
	level   slog.Level
	handler handler
}

func WithLevel(lvl slog.Level) Opt {
	return func(o *opts) {
		o.level = lvl
	}
}

func WithWriter(w io.Writer) Opt {
	return func(o *opts) {
		o.writer = w
	}
}

func WithHandler(h handler) Opt {
	return func(o *opts) {
		o.handler = h
	}
}

func New(o ...Opt) Logger {
	h := DevHandler
	switch strings.ToLower(os.Getenv("LOG_HANDLER")) {
	case "json":
		h = JSONHandler
	case "txt", "text":
		h = TextHandler
	}

	options := &opts{
		level:   Level(os.Getenv("LOG_LEVEL")),
		writer:  os.Stderr,
		handler: h,
	}
	for _, apply := range o {
		apply(options)
	}

	hopts := slog.HandlerOptions{
		Level: options.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := attr.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					return slog.String(attr.Key, "TRACE")
				}
			}
			return attr
		},
	}

	switch options.handler {
	case DevHandler:
		return &logger{
			Logger: slog.New(tint.NewHandler(options.writer, &tint.Options{
				Level:      options.level,
				TimeFormat: "[15:04:05.000]",
			})),
		}
	case TextHandler:
		return &logger{Logger: slog.New(slog.NewTextHandler(options.writer, &hopts))}
	default:
		return &logger{Logger: slog.New(slog.NewJSONHandler(options.writer, &hopts))}
	}
}

// From returns the logger stored in ctx, or a new logger if none is stored.
func From(ctx context.Context, o ...Opt) Logger {
	l := ctx.Value(ctxKey)
	if l == nil {
		return New(o...)
	}
	return l.(Logger)
}

// With returns a context carrying the given logger.
func With(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey, l)
}

// Void returns a logger that discards everything, for tests.
func Void() Logger {
	return New(WithWriter(io.Discard))
}

// Level maps a level name to its slog level, defaulting to info.
func Level(name string) slog.Level {
	switch strings.ToLower(name) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return DefaultLevel
	}
}

type logger struct {
	*slog.Logger
}

func (l *logger) Trace(msg string, args ...any) {
	l.Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func (l *logger) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l.Logger.Log(ctx, level, msg, args...)
}

func (l *logger) With(args ...any) Logger {
	if len(args) == 0 {
		return l
	}
	return &logger{Logger: l.Logger.With(args...)}
}

func (l *logger) SLog() *slog.Logger {
	return l.Logger
}
