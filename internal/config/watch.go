package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/davidbz/meterproxy/internal/domain"
	"github.com/davidbz/meterproxy/internal/observability"
)

const defaultDebounce = 200 * time.Millisecond

// UserTableReplacer accepts a whole new user table.
type UserTableReplacer interface {
	Replace(users []domain.User) error
}

// Watcher reloads the user table whenever the tables file changes. Endpoints
// and pricing are read once at startup and are not reloaded.
type Watcher struct {
	path     string
	target   UserTableReplacer
	debounce time.Duration
	reloaded chan struct{}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, target UserTableReplacer) *Watcher {
	return &Watcher{
		path:     path,
		target:   target,
		debounce: defaultDebounce,
		reloaded: make(chan struct{}, 1),
	}
}

// Reloaded signals after every reload attempt, successful or not.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger := observability.FromContext(ctx)
	logger.Info("watching tables file for user changes",
		observability.String("path", w.path))

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
			} else {
				debounce.Reset(w.debounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			w.reload(ctx)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("tables watcher error", observability.Error(watchErr))
		}
	}
}

// reload applies a valid file and keeps the current table otherwise.
func (w *Watcher) reload(ctx context.Context) {
	logger := observability.FromContext(ctx)

	defer func() {
		select {
		case w.reloaded <- struct{}{}:
		default:
		}
	}()

	tables, err := LoadTables(w.path)
	if err != nil {
		logger.Warn("ignoring invalid tables file, keeping current users",
			observability.Error(err))
		return
	}

	users := tables.UserList()
	if err := w.target.Replace(users); err != nil {
		logger.Warn("user table rejected, keeping current users",
			observability.Error(err))
		return
	}

	logger.Info("user table reloaded",
		observability.Int("users", len(users)))
}
