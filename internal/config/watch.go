package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and calls
// onChange with the hash of the newly applied config. It blocks for as long
// as the watcher runs, so run it in its own goroutine; it returns an error
// if the watcher cannot be set up, and nil once the watcher's channels
// close. Reload errors are logged and skipped — the previous good config
// stays in effect.
func Watch(path string, cfg *Config, onChange func(hash string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fresh, err := Load(path)
			if err != nil {
				slog.Warn("config: reload failed, keeping previous config", "error", err)
				continue
			}
			cfg.ReplaceFrom(fresh)
			if onChange != nil {
				onChange(cfg.Hash())
			}
			slog.Info("config: reloaded", "path", path, "hash", cfg.Hash())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watch error", "error", err)
		}
	}
}
