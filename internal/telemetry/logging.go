// Package telemetry wires up structured logging and metrics the way the
// teacher repo's cmd/server/main.go does: a single slog.Logger composed
// from one or more sinks, set as the process default.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"log/syslog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sysshare/confcore/internal/config"
)

// LevelNone models a fifth severity level above slog's native four: a
// level that nothing logs at.
const LevelNone = slog.Level(12)

// NewLogger builds a slog.Logger fanning out to every sink named in
// cfg.Output ("stdout", "file", "syslog"), plus any caller-supplied extra
// handler for a user-registered callback sink.
func NewLogger(cfg config.LogConfig, extra slog.Handler) (*slog.Logger, error) {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	for _, sink := range splitSinks(cfg.Output) {
		switch sink {
		case "stdout", "":
			handlers = append(handlers, newHandler(os.Stdout, cfg.Format, opts))
		case "stderr":
			handlers = append(handlers, newHandler(os.Stderr, cfg.Format, opts))
		case "file":
			w := &lumberjack.Logger{
				Filename:   cfg.Filename,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			}
			handlers = append(handlers, newHandler(w, cfg.Format, opts))
		case "syslog":
			w, err := syslog.New(syslog.LOG_INFO, "confcored")
			if err != nil {
				return nil, err
			}
			handlers = append(handlers, newHandler(w, cfg.Format, opts))
		}
	}
	if extra != nil {
		handlers = append(handlers, extra)
	}
	if len(handlers) == 0 {
		handlers = append(handlers, newHandler(os.Stdout, cfg.Format, opts))
	}

	return slog.New(&fanOutHandler{handlers: handlers}), nil
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return LevelNone
	default:
		return slog.LevelInfo
	}
}

func splitSinks(output string) []string {
	if output == "" {
		return []string{"stdout"}
	}
	out := make([]string, 0, 2)
	cur := ""
	for _, r := range output {
		if r == ',' || r == '+' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// fanOutHandler composites several slog.Handlers into one. The standard
// library does not provide multi-handler fan-out (slog has exactly one
// handler per logger) and nothing in the example corpus does either, so
// this is hand-rolled rather than borrowed — see DESIGN.md.
type fanOutHandler struct {
	handlers []slog.Handler
}

func (f *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &fanOutHandler{handlers: out}
}

func (f *fanOutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return &fanOutHandler{handlers: out}
}
