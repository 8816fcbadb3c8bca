package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

type ChangeEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to config.yaml. Configuration is read once per
// process, so changes only take effect after a restart.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ChangeEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ChangeEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := ConfigPath(w.homeDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ChangeEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Warn("config file changed; restart required to apply", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
