package config

import (
	"context"
	"log/slog"
	"slices"

	"github.com/fsnotify/fsnotify"
)

// Changed lists the dotted yaml keys whose values differ between prev and next.
func Changed(prev, next *Config) []string {
	var keys []string
	diff := func(key string, differs bool) {
		if differs {
			keys = append(keys, key)
		}
	}

	diff("server.http_port", prev.Server.HTTPPort != next.Server.HTTPPort)
	diff("server.placeholder", prev.Server.Placeholder != next.Server.Placeholder)

	om, nm := prev.Monitor, next.Monitor
	diff("monitor.cameras_csv", om.CamerasCSV != nm.CamerasCSV)
	diff("monitor.cameras", !slices.Equal(om.Cameras, nm.Cameras))
	diff("monitor.resolution", om.Resolution != nm.Resolution)
	diff("monitor.fetch_timeout", om.FetchTimeout != nm.FetchTimeout)
	diff("monitor.poll_interval", om.PollInterval != nm.PollInterval)
	diff("monitor.cooldown", om.Cooldown != nm.Cooldown)
	diff("monitor.expiring_threshold", om.ExpiringThreshold != nm.ExpiringThreshold)
	diff("monitor.probe_concurrency", om.ProbeConcurrency != nm.ProbeConcurrency)
	diff("monitor.user_agent", om.UserAgent != nm.UserAgent)
	diff("monitor.insecure_skip_verify", om.InsecureSkipVerify != nm.InsecureSkipVerify)

	diff("log.level", prev.Log.SlogLevel() != next.Log.SlogLevel())
	diff("log.stats_every", prev.Log.StatsEvery != next.Log.StatsEvery)
	return keys
}

// Live reports whether a change to key takes effect without a restart. The
// camera set and scheduler timings are fixed once monitoring has started.
func Live(key string) bool {
	return key == "log.level"
}

// Watch reloads path whenever it is written, starting from prev, the config
// the process is currently running with as read from the file.
//
// A changed log.level is applied to level; pass a nil level when the level is
// pinned elsewhere (e.g. by a command line flag). Changes to any other key are
// logged as needing a restart and otherwise ignored. A reload that fails to
// parse or validate keeps prev. onChange, if non-nil, is called after each
// reload that differs from the previous one. Watch runs until ctx is cancelled.
func Watch(ctx context.Context, path string, prev *Config, level *slog.LevelVar, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", path, "log_level_pinned", level == nil)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Rename-on-save shows up as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// The inode may have been replaced.
			_ = watcher.Add(path)

			next, err := Load(path)
			if err != nil {
				slog.Error("config: reload rejected, keeping current settings", "path", path, "err", err)
				continue
			}
			keys := Changed(prev, next)
			if len(keys) == 0 {
				slog.Debug("config: reloaded, nothing changed", "path", path)
				continue
			}
			apply(keys, prev, next, level)
			prev = next
			if onChange != nil {
				onChange(next)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

func apply(keys []string, prev, next *Config, level *slog.LevelVar) {
	var restart []string
	for _, key := range keys {
		if !Live(key) {
			restart = append(restart, key)
			continue
		}
		// log.level is the only live key.
		if level == nil {
			slog.Info("config: log level change ignored, pinned by flag", "to", next.Log.Level)
			continue
		}
		level.Set(next.Log.SlogLevel())
		slog.Info("config: log level changed", "from", prev.Log.SlogLevel().String(), "to", next.Log.SlogLevel().String())
	}
	if len(restart) > 0 {
		slog.Warn("config: changes need a restart to take effect", "keys", restart)
	}
}
