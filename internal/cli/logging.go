package cli

import (
	"io"
	"log/slog"
)

// newLogger builds the process logger: text on w by default, JSON when
// format is "json". level may be a *slog.LevelVar so config reloads can
// change it.
func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
