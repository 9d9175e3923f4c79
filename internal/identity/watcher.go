package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports identity transitions by watching the session file.
type Watcher struct {
	path   string
	logger *slog.Logger
}

// NewWatcher creates a watcher for the session file at path.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:   path,
		logger: logger.With(slog.String("component", "identity")),
	}
}

// Watch calls fn with the current identity (nil when signed out), then
// again on every change, until ctx is cancelled. fn runs on the calling
// goroutine. A session file that fails to parse keeps the previous
// identity, since editors commonly write files in several steps.
func (w *Watcher) Watch(ctx context.Context, fn func(*Identity)) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, sessionDirPerm); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched rather than the file so that atomic
	// replacements and re-creation after sign-out are seen.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching session directory: %w", err)
	}

	current, err := Read(w.path)
	if err != nil {
		w.logger.Warn("ignoring unreadable session file", slog.String("error", err.Error()))
		current = nil
	}

	fn(current)

	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Base(event.Name) != name {
				continue
			}

			next, err := Read(w.path)
			if err != nil {
				w.logger.Warn("ignoring unreadable session file", slog.String("error", err.Error()))
				continue
			}

			if next.Equal(current) {
				continue
			}

			current = next

			if current == nil {
				w.logger.Info("signed out")
			} else {
				w.logger.Info("signed in", slog.String("user_id", current.UserID))
			}

			fn(current)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("session watcher error", slog.String("error", err.Error()))
		}
	}
}
