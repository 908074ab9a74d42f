package ledger

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of writes into one verification.
const watchDebounce = 200 * time.Millisecond

// Watcher re-verifies a ledger whenever its file changes and reports each
// result to a callback.
type Watcher struct {
	path     string
	onResult func(VerifyResult)
	debounce time.Duration
}

// NewWatcher creates a watcher for the ledger at path.
func NewWatcher(path string, onResult func(VerifyResult)) *Watcher {
	return &Watcher{
		path:     path,
		onResult: onResult,
		debounce: watchDebounce,
	}
}

// Run verifies once, then after every change. The parent directory is
// watched so that the ledger being created or replaced is seen. Blocks
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.onResult(Verify(w.path))

	// Single debounce timer, initialized stopped.
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			w.onResult(Verify(w.path))

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
