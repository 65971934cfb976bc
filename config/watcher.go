package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher reloads Config from disk whenever its file changes, handing the
// hot-swappable subset to onReload (spec.md §4.4 design note: bind
// address/port are read once at startup and never reloaded).
type Watcher struct {
	path    string
	fw      *fsnotify.Watcher
	current Config
}

// NewWatcher starts watching path for writes. The initial load happens
// synchronously so the caller has a valid Config before Run is started.
func NewWatcher(path string) (*Watcher, Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, Config{}, err
	}

	if path == "" {
		return &Watcher{current: cfg}, cfg, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, Config{}, errors.Wrap(err, "config: starting file watcher")
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, Config{}, errors.Wrapf(err, "config: watching %s", path)
	}

	return &Watcher{path: path, fw: fw, current: cfg}, cfg, nil
}

// Run blocks, invoking onReload with each successfully reloaded
// HotSwappable subset, until stop is closed. Malformed rewrites of the
// config file are reported through onError and skipped, keeping the
// previous config.
func (w *Watcher) Run(stop <-chan struct{}, onReload func(HotSwappable), onError func(error)) {
	if w.fw == nil {
		<-stop
		return
	}
	defer w.fw.Close()

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if onError != nil {
					onError(errors.Wrap(err, "config: reload failed, keeping previous config"))
				}
				continue
			}
			w.current = cfg
			if onReload != nil {
				onReload(cfg.Snapshot())
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(errors.Wrap(err, "config: file watcher error"))
			}
		}
	}
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	return w.current
}
