package config

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/noesislabs/noesis/telemetry"
)

// Watch reloads the threshold section of the YAML overlay whenever the file
// changes and invokes onChange with the new values. It blocks until ctx is
// cancelled and is intended to run under the background supervisor.
//
// Only thresholds are hot-reloadable; loop intervals and connection settings
// require a restart. A reload that fails to parse is logged and skipped, the
// previous thresholds stay in effect.
func Watch(ctx context.Context, path string, logger telemetry.Logger, onChange func(Thresholds)) error {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	logger.Info(ctx, "watching config overlay", "path", path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			th, err := readThresholds(path)
			if err != nil {
				logger.Warn(ctx, "config reload failed, keeping previous thresholds", "path", path, "err", err.Error())
				continue
			}
			logger.Info(ctx, "thresholds reloaded",
				"cpu", th.CPU, "memory_mb", th.MemoryMB, "db_ms", th.DBMillis)
			onChange(th)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "config watcher error", "err", err.Error())
		}
	}
}

func readThresholds(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, err
	}
	var doc struct {
		Thresholds Thresholds `yaml:"thresholds"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Thresholds{}, err
	}
	return doc.Thresholds, nil
}
