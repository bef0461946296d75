package config

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch observes path for changes and applies the "log_level" key to lvl.
// The file is a flat key=value list; unknown keys are ignored. Watch blocks
// until ctx is cancelled and is intended to run in its own goroutine.
func Watch(ctx context.Context, path string, lvl *slog.LevelVar) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(path); err != nil {
		return err
	}
	applyLogLevel(path, lvl)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				applyLogLevel(path, lvl)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "err", err)
		}
	}
}

func applyLogLevel(path string, lvl *slog.LevelVar) {
	f, err := os.Open(path) //nolint:gosec // path is operator-provided configuration.
	if err != nil {
		slog.Warn("config reload failed", "path", path, "err", err)
		return
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "log_level" {
			continue
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
			slog.Warn("invalid log_level in config file", "value", value)
			return
		}
		if level != lvl.Level() {
			lvl.Set(level)
			slog.Info("log level changed", "level", level)
		}
		return
	}
}
