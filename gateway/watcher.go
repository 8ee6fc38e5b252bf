package gateway

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursts of filesystem events (many editors write
// a config file via a temp-file-then-rename sequence that fires several
// events for one logical save) into a single reparse (§4.8).
const reloadDebounce = 200 * time.Millisecond

// ConfigWatcher watches the config file for changes and hot-reloads the
// gateway's live configuration snapshot without a restart. Grounded on the
// fsnotify-based watch loop used elsewhere in the retrieval pack for
// config/file change detection.
type ConfigWatcher struct {
	path     string
	fsw      *fsnotify.Watcher
	current  *atomic.Pointer[GatewayConfig]
	activity *ActivityTracker
	onReload func(*GatewayConfig)
}

// NewConfigWatcher creates a watcher for the config file at path. current
// must already hold the initial parsed config (set by the caller before
// Start is invoked); activity is consulted to forget backends dropped from
// configuration. onReload, if non-nil, is invoked after every successful
// reload with the new snapshot.
func NewConfigWatcher(path string, current *atomic.Pointer[GatewayConfig], activity *ActivityTracker, onReload func(*GatewayConfig)) (*ConfigWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &ConfigWatcher{path: path, fsw: fsw, current: current, activity: activity, onReload: onReload}, nil
}

// Start blocks, watching for changes and reloading until ctx is cancelled.
// It also watches the containing directory rather than the file itself,
// since atomic-replace writes drop and recreate the inode.
func (w *ConfigWatcher) Start(ctx context.Context) {
	defer w.fsw.Close()

	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.AfterFunc(reloadDebounce, func() {
					select {
					case debounceCh <- struct{}{}:
					default:
					}
				})
			} else {
				debounceTimer.Reset(reloadDebounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher: fsnotify error", "error", err)
		case <-debounceCh:
			w.reload()
		}
	}
}

// reload re-parses and validates the config file, skipping the swap if
// nothing changed, and preserving/initializing ActivatedAt per backend
// (§9 Open Question: "ActivatedAt is set on first observation, not left
// perpetually unset").
func (w *ConfigWatcher) reload() {
	next, err := LoadConfigFile(w.path)
	if err != nil {
		slog.Warn("config watcher: reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}

	prev := w.current.Load()

	now := time.Now()
	prevMap := map[string]*ContainerConfig{}
	if prev != nil {
		prevMap = BuildContainerMap(prev)
	}
	for i := range next.Containers {
		c := &next.Containers[i]
		if !c.Active {
			continue
		}
		if old, ok := prevMap[c.Name]; ok && old.ActivatedAt != nil {
			c.ActivatedAt = old.ActivatedAt
			continue
		}
		t := now
		c.ActivatedAt = &t
	}

	// Compare only after ActivatedAt has been carried over, so an unchanged
	// file is recognised as a no-op.
	if prev != nil && prev.Equal(next) {
		return
	}

	if prev != nil {
		nextMap := BuildContainerMap(next)
		for name := range prevMap {
			if _, ok := nextMap[name]; !ok {
				w.activity.Forget(name)
			}
		}
	}

	w.current.Store(next)
	slog.Info("config watcher: reloaded configuration", "path", w.path, "containers", len(next.Containers), "groups", len(next.Groups))
	if w.onReload != nil {
		w.onReload(next)
	}
}
