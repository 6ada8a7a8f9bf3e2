package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of fsnotify events an editor save
// produces into one reload.
const reloadDebounce = 100 * time.Millisecond

// Watcher follows the YAML overlay file and rebuilds the configuration
// when it changes. A reload that fails to parse or validate keeps the
// current configuration; only a good one is swapped in and announced.
type Watcher struct {
	path    string
	fs      *fsnotify.Watcher
	logger  *zap.Logger
	stopCh  chan struct{}
	stopped sync.Once

	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewWatcher watches the overlay file the configuration was loaded from.
func NewWatcher(initial *Config, logger *zap.Logger) (*Watcher, error) {
	if initial.FilePath == "" {
		return nil, fmt.Errorf("no config file to watch")
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	// Watch the directory too: editors and atomic writers replace the
	// file by rename, which only the directory watch sees.
	if err := fs.Add(filepath.Dir(initial.FilePath)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}
	if err := fs.Add(initial.FilePath); err != nil {
		logger.Warn("failed to watch config file directly",
			zap.String("path", initial.FilePath),
			zap.Error(err))
	}

	return &Watcher{
		path:    initial.FilePath,
		fs:      fs,
		logger:  logger.Named("config"),
		stopCh:  make(chan struct{}),
		current: initial,
	}, nil
}

// Start begins watching in the background.
func (w *Watcher) Start() {
	go w.watchLoop()
	w.logger.Info("config watcher started", zap.String("path", w.path))
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.stopCh)
		w.fs.Close()
		w.logger.Info("config watcher stopped")
	})
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration. Callbacks run on their own goroutines.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Current returns the latest good configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	// Reload from the watched path, not the environment: the daemon may
	// have been pointed at a file the LATTICE_CONFIG_FILE variable never
	// named.
	newCfg, err := LoadFrom(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping current", zap.Error(err))
		return
	}

	w.mu.Lock()
	oldCfg := w.current
	w.current = newCfg
	handlers := make([]func(*Config), len(w.onChange))
	copy(handlers, w.onChange)
	w.mu.Unlock()

	w.logChanges(oldCfg, newCfg)

	for _, fn := range handlers {
		go fn(newCfg)
	}
}

// logChanges records the live-tunable fields that moved.
func (w *Watcher) logChanges(oldCfg, newCfg *Config) {
	var changes []string

	if oldCfg.DebounceWindow != newCfg.DebounceWindow {
		changes = append(changes, fmt.Sprintf("debounce window %s -> %s",
			oldCfg.DebounceWindow, newCfg.DebounceWindow))
	}
	if oldCfg.MaxConcurrent != newCfg.MaxConcurrent {
		changes = append(changes, fmt.Sprintf("max concurrent %d -> %d",
			oldCfg.MaxConcurrent, newCfg.MaxConcurrent))
	}
	if oldCfg.LogLevel != newCfg.LogLevel {
		changes = append(changes, fmt.Sprintf("log level %s -> %s",
			oldCfg.LogLevel, newCfg.LogLevel))
	}
	if oldCfg.Backend != newCfg.Backend {
		// The running backend is not swapped; the new driver applies on
		// the next start.
		changes = append(changes, fmt.Sprintf("backend %s -> %s (takes effect on restart)",
			oldCfg.Backend, newCfg.Backend))
	}

	if len(changes) > 0 {
		w.logger.Info("configuration reloaded", zap.Strings("changes", changes))
	} else {
		w.logger.Debug("configuration reloaded with no visible changes")
	}
}
