package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDelay coalesces the burst of events editors produce for one
// save.
const DefaultReloadDelay = 200 * time.Millisecond

// Reload is the outcome of re-reading config.yaml. When Err is set, Config
// holds whatever was parsed and must not be applied.
type Reload struct {
	Config Config
	Err    error
}

// Watcher re-reads config.yaml after it changes on disk and hands the result
// to a callback. Rewrites that leave the fingerprint unchanged are skipped.
type Watcher struct {
	homeDir  string
	delay    time.Duration
	onReload func(Reload)
	logger   *slog.Logger
	lastHash string
}

// NewWatcher watches homeDir/config.yaml. current is the config already in
// effect; onReload runs on the watcher goroutine.
func NewWatcher(homeDir string, current Config, onReload func(Reload), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		delay:    DefaultReloadDelay,
		onReload: onReload,
		logger:   logger,
		lastHash: current.Fingerprint(),
	}
}

// SetDelay overrides the debounce window.
func (w *Watcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Run watches until ctx is cancelled. It returns an error only when the
// watch cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// The directory is watched so that atomic rename-over saves keep
	// producing events for the new inode.
	if err := fsw.Add(w.homeDir); err != nil {
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	timer := time.NewTimer(w.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file event", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.delay)
		case <-timer.C:
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.onReload(Reload{Config: cfg, Err: err})
		return
	}
	hash := cfg.Fingerprint()
	if hash == w.lastHash {
		w.logger.Debug("config unchanged", "config_hash", hash)
		return
	}
	w.lastHash = hash
	w.onReload(Reload{Config: cfg})
}
