// Package watch notifies callers when a persisted entity record changes on
// disk, so a CLI can redraw while another process runs the entity.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/ccorch/internal/logging"
)

// DefaultDebounce coalesces bursts of events from a single atomic write.
const DefaultDebounce = 100 * time.Millisecond

// Options tune a watch.
type Options struct {
	Debounce time.Duration
	Logger   *logging.Logger
}

// Entity watches dir for changes to <id>.json and calls onChange after each
// burst of events settles. It blocks until ctx is done and returns nil in
// that case.
func Entity(ctx context.Context, dir, id string, onChange func()) error {
	return EntityWithOptions(ctx, dir, id, onChange, Options{})
}

// EntityWithOptions is Entity with explicit options.
func EntityWithOptions(ctx context.Context, dir, id string, onChange func(), opts Options) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	log := logging.OrNop(opts.Logger).WithComponent("watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Atomic writes replace the file, so the directory is watched rather than
	// the file itself.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := id + ".json"

	debounce := time.NewTimer(opts.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounce.Reset(opts.Debounce)

		case <-debounce.C:
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "dir", dir, "error", err)
		}
	}
}
