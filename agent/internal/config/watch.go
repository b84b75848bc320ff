package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it changes and passes every Config that
// differs from the one in effect to onChange. current is the config the
// caller started with.
//
// Only the flush settings apply to a running agent. A change to any other
// field is logged at WARN as taking effect after a restart. A file that
// fails to load is logged and the config in effect is kept. Watch returns
// nil when ctx is cancelled.
func Watch(ctx context.Context, path string, current *Config, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watching the directory keeps working when a save renames a new file
	// over the old one.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	slog.Info("config: watching for changes", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			next, err := Load(abs)
			if err != nil {
				slog.Warn("config: reload failed, keeping current config", "path", abs, "err", err)
				continue
			}
			if current != nil && *current == *next {
				continue
			}
			if current != nil {
				for _, field := range restartRequired(current.Agent, next.Agent) {
					slog.Warn("config: change takes effect after restart", "path", abs, "field", field)
				}
			}
			slog.Info("config: reloaded", "path", abs,
				"flush_interval", next.Agent.FlushInterval,
				"flush_threshold", next.Agent.FlushThreshold)
			current = next
			onChange(next)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// restartRequired lists the YAML keys under agent that differ between prev
// and next and are only read at startup.
func restartRequired(prev, next AgentConfig) []string {
	var fields []string
	diff := func(key string, changed bool) {
		if changed {
			fields = append(fields, key)
		}
	}
	diff("group", prev.Group != next.Group)
	diff("app_name", prev.AppName != next.AppName)
	diff("token_env", prev.TokenEnv != next.TokenEnv)
	diff("facility", prev.Facility != next.Facility)
	diff("install_id_file", prev.InstallIDFile != next.InstallIDFile)
	diff("store", prev.Store != next.Store)
	diff("collector", prev.Collector != next.Collector)
	diff("metrics_addr", prev.MetricsAddr != next.MetricsAddr)
	return fields
}
