package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchConfig reloads path whenever it changes on disk and hands the parsed
// config to apply. Invalid files are logged and skipped. The directory is
// watched rather than the file so editors that replace the file on save are
// still seen.
func watchConfig(ctx context.Context, path string, log *zap.SugaredLogger, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				// Editors truncate before writing; an empty file would reset
				// every setting, the token included.
				if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
					continue
				}
				cfg, err := loadConfig(path)
				if err != nil {
					log.Warnw("config reload skipped", "path", path, "error", err)
					continue
				}
				apply(cfg)
				log.Infow("config reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnw("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
