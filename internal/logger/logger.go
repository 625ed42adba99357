package logger

import (
	"io"
	"log/slog"
	"os"
)

// New builds a slog logger from the configured level and format.
// An unknown level falls back to info, an unknown format to text.
func New(level, format string, output io.Writer) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}

	lvl := new(slog.Level)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = new(slog.Level)
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(handler)
}
