// Package logging builds the server's structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON logger on stdout. The "dev" environment logs at debug
// level, everything else at info.
func New(env string) *slog.Logger {
	return NewWithWriter(env, os.Stdout)
}

func NewWithWriter(env string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "lesson-engine")
}
