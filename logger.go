package main

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// verbosityLevels maps the number of -v flags to a log level.
var verbosityLevels = []slog.Level{slog.LevelWarn, slog.LevelInfo, slog.LevelDebug}

// newLogger creates the process logger. When w is a terminal, uses
// slog.TextHandler for human-readable output. Otherwise (the systemd
// unit, pipes) uses slog.JSONHandler so the journal gets structured records.
func newLogger(w io.Writer, verbosity int) *slog.Logger {
	if verbosity < 0 {
		verbosity = 0
	}
	if verbosity >= len(verbosityLevels) {
		verbosity = len(verbosityLevels) - 1
	}
	options := &slog.HandlerOptions{Level: verbosityLevels[verbosity]}

	var handler slog.Handler
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		handler = slog.NewTextHandler(w, options)
	} else {
		handler = slog.NewJSONHandler(w, options)
	}
	return slog.New(handler)
}
