package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// DefaultDebounce is how long the watcher waits after the last file event before reloading.
const DefaultDebounce = 500 * time.Millisecond

// SyncFunc receives the full set of bindings after every successful reload.
type SyncFunc func(ctx context.Context, bindings []engine.PlaybookBinding) error

// BindingsWatcher reloads a bindings file when it changes and hands the result to a SyncFunc.
// Invalid files are logged and ignored, leaving the previous bindings in place.
type BindingsWatcher struct {
	parser   *Parser
	path     string
	sync     SyncFunc
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	reloads int
}

// NewBindingsWatcher creates a watcher for the bindings file at path.
func NewBindingsWatcher(parser *Parser, path string, sync SyncFunc, logger zerolog.Logger) *BindingsWatcher {
	return &BindingsWatcher{
		parser:   parser,
		path:     path,
		sync:     sync,
		logger:   logger.With().Str("component", "bindings-watcher").Str("path", path).Logger(),
		debounce: DefaultDebounce,
	}
}

// SetDebounce overrides the reload delay.
func (w *BindingsWatcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Reload loads the bindings file once and syncs it.
func (w *BindingsWatcher) Reload(ctx context.Context) error {
	bindings, diags, err := w.parser.LoadBindings(w.path)
	if err != nil {
		for _, d := range diags {
			w.logger.Warn().Str("diagnostic", d.String()).Msg("Invalid binding")
		}
		return err
	}
	if err := w.sync(ctx, bindings); err != nil {
		return fmt.Errorf("failed to sync bindings: %w", err)
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	w.logger.Info().Int("count", len(bindings)).Msg("Bindings synced")
	return nil
}

// Reloads returns how many reloads have synced successfully.
func (w *BindingsWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run syncs the file once and then on every change until ctx is done.
func (w *BindingsWatcher) Run(ctx context.Context) error {
	if err := w.Reload(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so the directory is watched.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	target := filepath.Clean(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.Reload(ctx); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload bindings")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
