package schema

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"cartograph-backend/internal/errors"
)

// Watcher reloads the registry when schema files change on disk. It is
// meant for development; production deployments restart to pick up schema
// edits.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	stopCh   chan struct{}
}

// NewWatcher starts watching the registry's schema directory. The caller
// must Stop() it during shutdown.
func NewWatcher(registry *Registry, logger *zap.Logger) (*Watcher, error) {
	if registry.dir == "" {
		return nil, errors.Validation("NO_SCHEMA_DIR", "cannot watch schemas without a directory").Build()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Internal("WATCHER_INIT", "failed to create schema watcher").
			WithCause(err).
			Build()
	}
	if err := fsWatcher.Add(registry.dir); err != nil {
		fsWatcher.Close()
		return nil, errors.Internal("WATCHER_ADD", "failed to watch schema directory").
			WithResource(registry.dir).
			WithCause(err).
			Build()
	}

	w := &Watcher{
		registry: registry,
		watcher:  fsWatcher,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go w.watchLoop()

	logger.Info("schema hot reloading enabled", zap.String("dir", registry.dir))
	return w, nil
}

// watchLoop debounces bursts of file events into a single reload.
func (w *Watcher) watchLoop() {
	defer w.watcher.Close()

	var debounceTimer *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isSchemaFile(event.Name) {
				continue
			}

			w.logger.Info("schema file changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()))

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("schema watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

// reload replaces the registry contents; an invalid edit keeps the previous
// schemas so a typo cannot take extraction down.
func (w *Watcher) reload() {
	if err := w.registry.Load(); err != nil {
		w.logger.Error("schema reload failed, keeping previous schemas", zap.Error(err))
		return
	}
	w.logger.Info("schemas reloaded")
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
}
