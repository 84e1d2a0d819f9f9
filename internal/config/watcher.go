package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/scgate/internal/logging"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	debounce   time.Duration

	mu         sync.RWMutex
	callbacks  []func(*Config)
	lastConfig *Config
	timer      *time.Timer

	reloadMu sync.Mutex
	done     chan struct{}
}

// NewWatcher loads configPath once and prepares to watch it. A nil loader
// uses NewLoader.
func NewWatcher(configPath string, loader *Loader) (*Watcher, error) {
	if loader == nil {
		loader = NewLoader()
	}
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:    fsWatcher,
		loader:     loader,
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		lastConfig: cfg,
		done:       make(chan struct{}),
	}, nil
}

// OnChange registers a callback run after every successful reload.
// Callbacks run one at a time in registration order.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. The directory is watched so editors that replace
// the file by rename are still seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

// reload keeps the previous configuration when the new file is invalid.
func (w *Watcher) reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("failed to reload config, keeping previous",
			zap.String("path", w.configPath),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	w.lastConfig = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("configuration reloaded", zap.String("path", w.configPath))
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}
