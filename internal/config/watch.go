package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file into a Store whenever the file changes.
type Watcher struct {
	path    string
	env     Env
	store   *Store
	log     *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching the config file at path. The parent directory is
// watched so that editors replacing the file by rename are picked up.
func Watch(path string, env Env, store *Store, log *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		env:     env,
		store:   store,
		log:     log,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.run()

	log.Info("watching config file", "path", abs)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	w.log.Info("stopped watching config file", "path", w.path)
	return err
}

func (w *Watcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, _, err := LoadFile(w.path, Default())
	if err != nil {
		// Editors often write in several steps; the next event retries.
		w.log.Warn("unable to reload config file", "path", w.path, "err", err)
		return
	}
	w.store.Set(w.env.Apply(cfg))
	w.log.Info("reloaded config file", "path", w.path)
}
