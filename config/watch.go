package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ApplyFunc installs a reloaded config.
type ApplyFunc func(ctx context.Context, c *Config) error

// Watch reloads the file at path on every write and passes valid configs to
// apply. Invalid edits are logged and skipped. It returns when ctx is done.
func Watch(ctx context.Context, path string, apply ApplyFunc, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	// editors replace the file, so the directory is watched
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info("watching config", zap.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}

			c, err := LoadConfig(abs)
			if err != nil {
				logger.Warn("rejected config change", zap.String("path", abs), zap.Error(err))
				continue
			}
			if err := apply(ctx, c); err != nil {
				logger.Error("failed to apply config change", zap.Error(err))
				continue
			}
			logger.Info("reloaded config", zap.String("path", abs), zap.Int("subnets", len(c.Subnets)))
		}
	}
}
