package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FormWatcher calls onChange when form definitions are added, removed or
// rewritten under a forms directory. Bursts of events are coalesced.
type FormWatcher struct {
	dir      string
	debounce time.Duration
	onChange func(ctx context.Context)
	log      *logrus.Entry
}

// NewFormWatcher creates a new FormWatcher instance.
func NewFormWatcher(dir string, debounce time.Duration, onChange func(ctx context.Context)) *FormWatcher {
	return &FormWatcher{
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		log:      logrus.WithField("component", "formwatcher"),
	}
}

// Run watches until ctx is cancelled. The forms directory is created when missing.
func (w *FormWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0750); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.add(watcher, filepath.Join(w.dir, entry.Name()))
		}
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == w.dir {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.add(watcher, event.Name)
				}
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("Form watcher error")

		case <-fire:
			fire = nil
			w.log.Debug("Form definitions changed")
			w.onChange(ctx)
		}
	}
}

func (w *FormWatcher) add(watcher *fsnotify.Watcher, dir string) {
	if err := watcher.Add(dir); err != nil {
		w.log.WithError(err).WithField("dir", dir).Warn("Failed to watch form directory")
	}
}

// relevant accepts changes of form directories and of the definitions inside them.
func (w *FormWatcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	parent := filepath.Dir(event.Name)
	if parent == w.dir {
		return true
	}
	return filepath.Dir(parent) == w.dir && strings.HasSuffix(event.Name, ".xml")
}
