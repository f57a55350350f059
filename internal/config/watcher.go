package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quartzdb/quartzdb/internal/security"
)

// reloadDebounce absorbs the burst of write events an editor/atomic-save
// produces for a single logical change, matching cmd/bd's show-watch
// debounce interval for reacting to on-disk writes.
const reloadDebounce = 200 * time.Millisecond

// ReloadFunc is called with the freshly reloaded RLS policies and
// capability roles whenever the watched files change, or with err set if
// a reload failed to parse (the caller should keep running the last-good
// policy set rather than fail open).
type ReloadFunc func(policies []security.RlsPolicy, roles map[string]security.CapabilitySet, err error)

// PolicyWatcher hot-reloads cfg.RLSPolicyFile and cfg.CapabilityFile on
// write, so an operator can edit access policy without restarting the
// process.
type PolicyWatcher struct {
	cfg     Config
	watcher *fsnotify.Watcher
	log     *slog.Logger
	done    chan struct{}
}

// NewPolicyWatcher sets up (but does not start) a watcher for cfg's
// policy files. Returns a nil *PolicyWatcher with no error if cfg names
// no policy files at all.
func NewPolicyWatcher(cfg Config, log *slog.Logger) (*PolicyWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RLSPolicyFile == "" && cfg.CapabilityFile == "" {
		return nil, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := map[string]struct{}{}
	if cfg.RLSPolicyFile != "" {
		dirs[filepath.Dir(cfg.RLSPolicyFile)] = struct{}{}
	}
	if cfg.CapabilityFile != "" {
		dirs[filepath.Dir(cfg.CapabilityFile)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	return &PolicyWatcher{cfg: cfg, watcher: w, log: log, done: make(chan struct{})}, nil
}

// Start runs the watch loop in the background, calling onReload after
// every debounced batch of writes to a watched file. Start returns
// immediately; call Close to stop.
func (p *PolicyWatcher) Start(onReload ReloadFunc) {
	go p.loop(onReload)
}

func (p *PolicyWatcher) loop(onReload ReloadFunc) {
	var timer *time.Timer
	reload := func() {
		policies, err := LoadRLSPolicies(p.cfg.RLSPolicyFile)
		if err != nil {
			onReload(nil, nil, err)
			return
		}
		roles, err := LoadCapabilityRoles(p.cfg.CapabilityFile)
		if err != nil {
			onReload(nil, nil, err)
			return
		}
		onReload(policies, roles, nil)
	}

	for {
		select {
		case <-p.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !p.watchesPath(event.Name) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.log.Warn("policy watcher error", "error", err)
		}
	}
}

func (p *PolicyWatcher) watchesPath(name string) bool {
	base := filepath.Base(name)
	return (p.cfg.RLSPolicyFile != "" && base == filepath.Base(p.cfg.RLSPolicyFile)) ||
		(p.cfg.CapabilityFile != "" && base == filepath.Base(p.cfg.CapabilityFile))
}

// Close stops the watch loop and releases the underlying fsnotify handle.
func (p *PolicyWatcher) Close() error {
	close(p.done)
	return p.watcher.Close()
}
