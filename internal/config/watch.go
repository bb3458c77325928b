package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/util"
)

// reloadDebounce coalesces the burst of events editors emit for one save
const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid configuration to
// onChange. Invalid edits are logged and ignored. Watching stops when ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(expandPath(path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	// Watch the directory so atomic replace-by-rename is seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	util.SafeGoWithName("config-watch", func() {
		defer watcher.Close()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				cfg, err := Load(path)
				if err != nil {
					logging.Warn("config reload rejected",
						logging.Component("config"),
						"path", path,
						logging.Err(err))
					continue
				}
				logging.Info("config reloaded",
					logging.Component("config"),
					"path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("config watcher error",
					logging.Component("config"),
					logging.Err(err))
			}
		}
	})

	return nil
}
