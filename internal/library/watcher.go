package library

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the music directory tree and signals when its contents
// change, so the planner can rescan between the periodic sweeps instead of
// waiting out the full interval.
//
// Bursts of filesystem events (an album being copied in) are coalesced into
// a single notification after a quiet period.
type Watcher struct {
	fsw      *fsnotify.Watcher
	notify   chan struct{}
	debounce time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher starts watching musicDir and all its subdirectories.
func NewWatcher(musicDir string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("library: create watcher: %w", err)
	}

	if err := addRecursive(fsw, musicDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		notify:   make(chan struct{}, 1),
		debounce: debounce,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				return fmt.Errorf("library: watch %s: %w", path, err)
			}
		}
		return nil
	})
}

// C delivers one signal per coalesced burst of changes. The channel has
// capacity one; an unread signal absorbs further bursts.
func (w *Watcher) C() <-chan struct{} {
	return w.notify
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.done) })
	return w.fsw.Close()
}

func (w *Watcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			// New subdirectories need their own watch.
			if event.Op.Has(fsnotify.Create) {
				if err := addRecursive(w.fsw, event.Name); err != nil {
					slog.Debug("could not extend watch", "path", event.Name, "err", err)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			select {
			case w.notify <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("music directory watch error", "err", err)
		}
	}
}

// relevant filters the event stream down to changes that can alter the
// library: new files or directories, removals, renames, and writes to audio
// files.
func relevant(event fsnotify.Event) bool {
	if event.Op.Has(fsnotify.Chmod) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	if audioExtensions[ext] {
		return true
	}
	// Directory-level events have no audio extension but still matter.
	return ext == ""
}
