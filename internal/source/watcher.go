package source

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of events a single export rewrite
// produces (create, chmod, several writes) into one notification.
const debounceWindow = 500 * time.Millisecond

// Watcher signals when the export file changes on disk, so a running
// daemon can re-check recovery against a fresh export without a
// restart. It watches the parent directory because exports are
// typically written to a temp file and renamed into place.
type Watcher struct {
	// C receives one value per (debounced) change of the export file.
	C <-chan struct{}

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching the export at path.
func Watch(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve export path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch export directory: %w", err)
	}

	ch := make(chan struct{}, 1)
	w := &Watcher{C: ch, fsw: fsw, done: make(chan struct{})}
	go w.loop(abs, ch)
	return w, nil
}

// Close stops the watcher. C is closed afterwards.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop(target string, ch chan<- struct{}) {
	defer close(ch)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case ch <- struct{}{}:
			default: // receiver is behind; one pending signal is enough
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("export watcher error", "error", err)
		}
	}
}
