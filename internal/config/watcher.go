package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettleDelay is how long config.yaml must stay quiet before it is
// re-read. Editors often write a file in several steps.
const DefaultSettleDelay = 250 * time.Millisecond

// Reload is emitted when config.yaml changed on disk. Err is set when the new
// file failed to load or validate; the running settings stay in effect.
type Reload struct {
	Config       Config
	PreviousHash string
	Err          error
}

// Watcher re-reads <home>/config.yaml after it changes and reports reloads
// whose fingerprint differs from the running one. The home directory is
// watched rather than the file so atomic renames are seen.
type Watcher struct {
	homeDir string
	current string
	settle  time.Duration
	logger  *slog.Logger
	reloads chan Reload
}

// NewWatcher watches homeDir. currentHash is the fingerprint of the config the
// server started with.
func NewWatcher(homeDir, currentHash string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		current: currentHash,
		settle:  DefaultSettleDelay,
		logger:  logger.With("component", "config_watcher"),
		reloads: make(chan Reload, 4),
	}
}

// SetSettleDelay overrides DefaultSettleDelay. Call before Start.
func (w *Watcher) SetSettleDelay(d time.Duration) {
	if d > 0 {
		w.settle = d
	}
}

// Reloads is closed once the watcher stops.
func (w *Watcher) Reloads() <-chan Reload {
	return w.reloads
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.reloads)
	defer fsw.Close()

	target := filepath.Clean(ConfigPath(w.homeDir))
	timer := time.NewTimer(w.settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			w.logger.Debug("config file touched", "op", ev.Op.String())
			timer.Reset(w.settle)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		case <-timer.C:
			r, changed := w.reload()
			if !changed {
				continue
			}
			select {
			case w.reloads <- r:
			case <-ctx.Done():
				return
			}
		}
	}
}

// reload reads the file and reports whether it differs from the running
// config. A broken file is always reported.
func (w *Watcher) reload() (Reload, bool) {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload rejected", "error", err)
		return Reload{PreviousHash: w.current, Err: err}, true
	}
	hash := cfg.Fingerprint()
	if hash == w.current {
		w.logger.Debug("config unchanged", "config_hash", hash)
		return Reload{}, false
	}
	r := Reload{Config: cfg, PreviousHash: w.current}
	w.current = hash
	return r, true
}
