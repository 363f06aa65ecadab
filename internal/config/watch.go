package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long Watch waits for writes to settle before
// reloading
var WatchDebounce = 200 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands every valid
// result to onChange. Invalid documents are logged and skipped. Blocks until
// ctx is done.
//
// The parent directory is watched so that editors replacing the file
// (write to temp, rename) are seen too.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watch: %w", err)
	}

	slog.Info("config: watching for changes", "path", abs)

	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending = true
			debounce.Reset(WatchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)

		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false

			cfg, err := Load(abs)
			if err != nil {
				slog.Error("config: reload rejected", "path", abs, "error", err)
				continue
			}
			slog.Info("config: reloaded", "path", abs)
			onChange(cfg)
		}
	}
}
