package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

var (
	Logger *slog.Logger
	level  = new(slog.LevelVar) // dynamic level, adjustable via SetLevel
)

func init() {
	Logger = newLogger(os.Stdout, os.Getenv("LOG_FORMAT"), nil)
}

// Init rebuilds the process logger. format is "json" (default) or "text";
// attrs are attached to every record (e.g. "device", id).
func Init(format, lvl string, attrs ...any) {
	InitWriter(os.Stdout, format, lvl, attrs...)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, format, lvl string, attrs ...any) {
	if env := os.Getenv("LOG_FORMAT"); env != "" && format == "" {
		format = env
	}
	level.Set(ParseLevel(lvl))
	Logger = newLogger(w, format, attrs)
	slog.SetDefault(Logger)
}

func newLogger(w io.Writer, format string, attrs []any) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	l := slog.New(handler).With("service", "devsim")
	if len(attrs) > 0 {
		l = l.With(attrs...)
	}
	return l
}

// ParseLevel maps debug|info|warn|warning|error to a slog level, info otherwise.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func SetLevel(s string) { level.Set(ParseLevel(s)) }

func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

// Fatal logs at error level and exits the process.
func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

// With returns a component logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// WrapSlog adapts the process logger for libraries that want a *log.Logger
// (goburrow/modbus handlers).
func WrapSlog(args ...any) *log.Logger {
	return slog.NewLogLogger(Logger.With(args...).Handler(), slog.LevelDebug)
}
