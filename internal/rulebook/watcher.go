package rulebook

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces bursts of write events before reloading, and gives
// non-atomic external writers time to finish.
const reloadDelay = 100 * time.Millisecond

// Watch starts a filesystem watcher on the rulebook's directory and emits a
// freshly loaded Rulebook after each relevant change. The channel is
// bounded; under burst edits intermediate versions are dropped and only the
// latest state is delivered. A file that fails to parse is logged and not
// emitted, so consumers keep their previous rulebook.
//
// The watcher goroutine exits and closes the channel when ctx is cancelled.
func (s *Store) Watch(ctx context.Context, logger *slog.Logger) (<-chan Rulebook, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the containing directory: editors and atomic writers replace
	// the file, which would silently detach a watch on the file itself.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	name := filepath.Base(s.path)
	out := make(chan Rulebook, 1)

	go func() {
		defer close(out)
		defer func() { _ = watcher.Close() }()

		// Single debounce timer, reset on each matching event.
		timer := time.NewTimer(reloadDelay)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case <-timer.C:
				rb, err := s.Load()
				if err != nil {
					logger.Warn("rulebook reload failed", "path", s.path, "error", err)
					continue
				}
				// Latest wins: drop a stale pending value rather than block.
				select {
				case out <- rb:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- rb:
					default:
					}
				}

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDelay)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("rulebook watcher error", "error", err)
			}
		}
	}()

	return out, nil
}
