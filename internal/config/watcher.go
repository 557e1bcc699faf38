package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/volleyhq/volley/internal/rate"
)

// PatternUpdate carries the re-parsed load patterns from a changed config
// file to the running engine.
type PatternUpdate struct {
	Patterns map[string][]rate.Segment
}

// Watch monitors a config file and delivers pattern updates until ctx is
// done. Only the patterns section feeds back into a running test;
// provider and endpoint changes require a restart and are ignored with a
// warning. Rapid write bursts (editors write-then-rename) are debounced.
func Watch(ctx context.Context, path string, log *zap.Logger, updates chan<- PatternUpdate) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: renames replace the file inode, and watching
	// the parent survives that.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var debounce *time.Timer
	debounced := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		case <-debounced:
			cfg, err := Load(path)
			if err != nil {
				// A broken edit never reaches the engine.
				log.Warn("ignoring invalid config update", zap.String("path", path), zap.Error(err))
				continue
			}
			patterns := make(map[string][]rate.Segment, len(cfg.Patterns))
			for name := range cfg.Patterns {
				segments, err := cfg.BuildSegments(name)
				if err != nil {
					log.Warn("ignoring invalid pattern update", zap.String("pattern", name), zap.Error(err))
					continue
				}
				patterns[name] = segments
			}
			log.Info("load patterns updated", zap.String("path", path), zap.Int("patterns", len(patterns)))
			select {
			case updates <- PatternUpdate{Patterns: patterns}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
