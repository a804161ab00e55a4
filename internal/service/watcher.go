package service

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kmckiern/agent-sessions/internal/telemetry"
)

const watchDebounce = 250 * time.Millisecond

// StartWatcher watches every provider base directory and marks the
// snapshot stale when transcript files change, so the next read
// revalidates instead of waiting out the refresh interval. Returns a stop
// function.
func (s *Service) StartWatcher() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := false
	for _, p := range s.providers {
		if err := addWatchTree(watcher, p.BaseDir()); err == nil {
			watched = true
		}
	}
	if !watched {
		watcher.Close()
		return func() {}, nil
	}

	done := make(chan struct{})
	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = addWatchTree(watcher, event.Name)
						continue
					}
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					telemetry.Log("service.watch_invalidate", map[string]any{"path": event.Name})
					s.Invalidate()
				})
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

func addWatchTree(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
}
