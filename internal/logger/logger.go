package logger

import (
	"io"
	"log/slog"
	"os"
)

// Log is the process-wide logger. It writes to stderr until Init is called.
var Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// ParseLevel maps a config level name to a slog level. Unknown names mean debug.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// Init initializes the global logger. format is "text" (default) or "json".
func Init(level, logFile, format string) error {
	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}
	Log = slog.New(newHandler(io.MultiWriter(writers...), ParseLevel(level), format))
	slog.SetDefault(Log)
	return nil
}

// InitWriter points the global logger at w. Tests use it to capture or silence output.
func InitWriter(w io.Writer, level string) {
	Log = slog.New(newHandler(w, ParseLevel(level), "text"))
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 && format != "json" {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// With returns a logger tagged with a component name.
func With(component string) *slog.Logger {
	return Log.With("component", component)
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}
