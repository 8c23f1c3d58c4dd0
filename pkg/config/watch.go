package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the reloaded config each time config.toml is
// written or created, until ctx is done. A file that fails to load is
// reported through onChange with a nil config and watching continues.
func (c *Configer) Watch(ctx context.Context, onChange func(*Config, error)) error {
	if c.targetPath == "" {
		return errors.New("cannot watch empty target path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(c.targetPath)); err != nil {
		return fmt.Errorf("watching config dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(c.targetPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := c.LoadConfig()
			if err != nil {
				onChange(nil, err)
				continue
			}
			onChange(cfg, nil)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("config watcher error: %w", err)
		}
	}
}
