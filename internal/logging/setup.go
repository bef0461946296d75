package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Setup installs the default slog logger. Terminal output uses tint, plain
// output uses the JSON handler. Both are wrapped in a RedactHandler.
func Setup(w io.Writer, lvl *slog.LevelVar, terminal bool) *slog.Logger {
	var h slog.Handler
	if terminal {
		h = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly})
	} else {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	logger := slog.New(NewRedactHandler(h))
	slog.SetDefault(logger)
	return logger
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
