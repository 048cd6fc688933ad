package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates cached releases when their files change. onReload,
// if set, is called with the release name once the change settles.
// Watching stops when ctx is cancelled or Close is called.
func (l *Loader) Watch(ctx context.Context, onReload func(release string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := l.watchTree(watcher, l.dir); err != nil {
		watcher.Close()
		return err
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, onReload)

	l.logger.Info().Str("dir", l.dir).Msg("Watching release directory")
	return nil
}

// watchTree adds root and every directory below it.
func (l *Loader) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onReload func(string)) {
	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// Files written into a new directory before it is watched
			// produce no events of their own.
			newDir := false
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					newDir = true
					if err := l.watchTree(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}

			release := l.releaseOf(event.Name)
			if release == "" {
				continue
			}
			if !newDir && !isYAML(event.Name) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Release file changed")

			mu.Lock()
			if t, ok := timers[release]; ok {
				t.Stop()
			}
			timers[release] = time.AfterFunc(l.debounce, func() {
				l.Invalidate(release)
				l.logger.Info().Str("release", release).Msg("Release invalidated")
				if onReload != nil {
					onReload(release)
				}
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// releaseOf maps a path under the root to its release name.
func (l *Loader) releaseOf(path string) string {
	rel, err := filepath.Rel(l.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	name := strings.Split(filepath.ToSlash(rel), "/")[0]
	if !releaseNameRe.MatchString(name) {
		return ""
	}
	return name
}

// Close stops watching.
func (l *Loader) Close() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}
