package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// reloadDebounce coalesces the burst of events an editor save or atomic
// rename produces into one reload.
const reloadDebounce = 250 * time.Millisecond

// ReloadCallback receives the freshly loaded config after a change on
// disk passes validation.
type ReloadCallback func(cfg *Config)

// Watcher reloads the config file when it changes on disk. Editors and
// provisioning tools typically replace the file by rename, so the watch
// is on the containing directory rather than the file itself.
type Watcher struct {
	loader   *Loader
	onReload ReloadCallback

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher creates a config watcher. Call Start to begin watching.
func NewWatcher(loader *Loader, onReload ReloadCallback) (*Watcher, error) {
	if loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if onReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		loader:   loader,
		onReload: onReload,
		watcher:  watcher,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory
func (w *Watcher) Start() error {
	configPath := w.loader.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := w.watcher.Add(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop(filepath.Clean(configPath))

	log.Info().
		Str("path", configPath).
		Msg("Config watcher started")

	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Config watcher stopped")
	return nil
}

// eventLoop processes file system events
func (w *Watcher) eventLoop(configPath string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// scheduleReload debounces rapid event sequences into one reload
func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(reloadDebounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

// reload re-reads the config and hands it to the callback when valid.
// A file that fails to parse or validate keeps the running config.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Config reload failed, keeping current config")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("Config reload rejected, keeping current config")
		return
	}

	log.Info().Msg("Config file changed, applying reload")
	w.onReload(cfg)
}
