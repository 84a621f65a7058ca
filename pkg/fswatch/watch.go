package fswatch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mpysync/pkg/errors"
	"github.com/sidkik/mpysync/pkg/sync"
)

// DefaultQuietPeriod is how long the tree must stay unchanged before a
// change is reported.
const DefaultQuietPeriod = 300 * time.Millisecond

var fs = afero.NewOsFs()

var clock = clockwork.NewRealClock()

// StopFunc releases a watcher. The change channel is closed once the
// watcher has shut down.
type StopFunc func()

// Watch watches for changes in the local tree rooted at `root`. It sends an
// event on the returned channel once the tree has settled after a change.
// Directories rejected by `filter`, and the directories in `skip`, aren't
// watched.
func Watch(root string, filter sync.Filter, skip ...string) (chan struct{}, StopFunc, error) {
	pathsToWatch, err := getPathsToWatch(root, filter, skip)
	if err != nil {
		return nil, nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	events := make(chan fsnotify.Event)
	go func() {
		defer close(events)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				watchCreatedDir(watcher, event)
				events <- event
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Debug("File watcher error")
			}
		}
	}()

	stop := func() {
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
	}
	return debounce(combineUpdates(events), DefaultQuietPeriod), stop, nil
}

// watchCreatedDir starts watching directories created after the watch began,
// since fsnotify doesn't watch directories recursively.
func watchCreatedDir(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&fsnotify.Create != fsnotify.Create {
		return
	}

	fi, err := fs.Stat(event.Name)
	if err != nil || !fi.IsDir() {
		return
	}

	if err := watcher.Add(event.Name); err != nil {
		log.WithError(err).WithField("path", event.Name).Debug("Failed to watch new directory")
	}
}

func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

// debounce delays each update until no further updates have arrived for
// `quiet`.
func debounce(updates <-chan struct{}, quiet time.Duration) chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range updates {
			open := waitQuiet(updates, quiet)
			select {
			case out <- struct{}{}:
			default:
			}
			if !open {
				return
			}
		}
	}()
	return out
}

func waitQuiet(updates <-chan struct{}, quiet time.Duration) (open bool) {
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return false
			}
		case <-clock.After(quiet):
			return true
		}
	}
}

// getPathsToWatch returns the directories under `root` that should be
// watched. Because fsnotify doesn't watch directories recursively, every
// subdirectory is watched. Watching a directory covers the files in it.
func getPathsToWatch(root string, filter sync.Filter, skip []string) (paths []string, err error) {
	root = filepath.Clean(root)
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.NewFriendlyError("%q is not a directory.", root)
	}

	skipped := map[string]bool{}
	for _, path := range skip {
		skipped[filepath.Clean(path)] = true
	}

	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if !fi.IsDir() {
			return nil
		}

		if skipped[path] {
			return filepath.SkipDir
		}

		relativePath, err := filepath.Rel(root, path)
		if err != nil {
			return errors.WithContext(err, "normalized path")
		}
		if !filter.Match(filepath.ToSlash(relativePath)) {
			return filepath.SkipDir
		}

		paths = append(paths, path)
		return nil
	})
	return paths, err
}
