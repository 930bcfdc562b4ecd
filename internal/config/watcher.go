package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/log"
)

// Watch reloads the config file whenever it changes on disk and invokes
// onChange with a fresh snapshot. The watcher observes the parent directory
// so atomic rename-based saves from editors are picked up too. Returns when
// ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(m.path)

	log.Print("config").WithField("path", m.path).Info("Config watcher started")

	var debounce *time.Timer
	reload := func() {
		if err := m.Load(); err != nil {
			log.Print("config").WithError(err).Error("Failed to reload config file")
			return
		}
		log.Print("config").Info("Config reloaded")
		if onChange != nil {
			onChange(m.Snapshot())
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			log.Print("config").Info("Config watcher stopping")
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors fire several events per save; coalesce them.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Print("config").WithError(err).Warn("Config watcher error")
		}
	}
}
