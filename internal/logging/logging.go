package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Options holds logger configuration.
type Options struct {
	Level     string // debug, info, warn, error
	Format    string // json, console
	Output    string // stdout, stderr
	AddSource bool
}

// New builds a slog.Logger from the given options. The console format
// uses tint for human-readable colored output, json uses the standard
// JSON handler.
func New(opts *Options) *slog.Logger {
	if opts == nil {
		opts = &Options{}
	}

	level := parseLevel(opts.Level)

	var writer io.Writer
	switch opts.Output {
	case "stderr":
		writer = os.Stderr
	default:
		writer = os.Stdout
	}

	var handler slog.Handler
	switch opts.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level:     level,
			AddSource: opts.AddSource,
		})
	default:
		handler = tint.NewHandler(writer, &tint.Options{
			Level:      level,
			AddSource:  opts.AddSource,
			TimeFormat: time.Kitchen,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
