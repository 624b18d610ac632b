package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events editors emit on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watch reloads config.toml from dir whenever it changes and calls onChange
// with the new preferences. The directory is watched rather than the file so
// atomic rename-on-save is seen. Parse failures are passed to onError (which
// may be nil) and the previous preferences stay in effect. Watch returns once
// the watcher is set up; it stops when ctx is done.
func Watch(ctx context.Context, dir string, debounce time.Duration, onChange func(Preferences), onError func(error)) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch config %s: %w", dir, err)
	}

	path := filepath.Join(dir, ConfigFileName)
	reload := func() {
		p, err := LoadPreferencesFile(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(p)
	}

	go func() {
		defer w.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != ConfigFileName {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					if ctx.Err() == nil {
						reload()
					}
				})
				mu.Unlock()

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}
