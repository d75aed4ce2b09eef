package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay collapses the burst of writes an editor makes on save into
// one reload.
const settleDelay = 150 * time.Millisecond

// ReloadEvent is the result of re-reading config.yaml after it changed.
// Config is the zero value when Err is set.
type ReloadEvent struct {
	Path        string
	Config      Config
	Fingerprint string
	Err         error
}

// Watcher re-reads config.yaml whenever it changes on disk. It never
// applies the result; consumers decide what a change means.
type Watcher struct {
	homeDir string
	path    string
	logger  *slog.Logger
	events  chan ReloadEvent
	load    func(homeDir string) (Config, error)
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		path:    ConfigPath(homeDir),
		logger:  logger.With("component", "config"),
		events:  make(chan ReloadEvent, 4),
		load:    LoadFrom,
	}
}

// Events is closed once the watcher has stopped.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory rather than the file so replace-on-save
// editors keep being noticed.
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
	defer close(w.events)
	defer fsw.Close()

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				settle.Reset(settleDelay)
			}
		case <-settle.C:
			w.emit(w.reload())
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename)
}

func (w *Watcher) reload() ReloadEvent {
	cfg, err := w.load(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload failed", "path", w.path, "error", err)
		return ReloadEvent{Path: w.path, Err: err}
	}
	fp := cfg.Fingerprint()
	w.logger.Info("config file changed", "path", w.path, "fingerprint", fp)
	return ReloadEvent{Path: w.path, Config: cfg, Fingerprint: fp}
}

// emit drops the event when the consumer is behind; a later change will
// produce a fresh one.
func (w *Watcher) emit(re ReloadEvent) {
	select {
	case w.events <- re:
	default:
		w.logger.Debug("config reload event dropped", "path", re.Path)
	}
}
