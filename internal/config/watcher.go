package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent names the config file that settled after a burst of writes.
type ReloadEvent struct {
	Path string
}

// Watcher watches the home directory rather than the files themselves:
// editors that save by rename replace the inode, and a config.yaml created
// after startup must still be noticed.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 4),
		debounce: 250 * time.Millisecond,
	}
}

// Events is closed when the context passed to Start is done.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) isConfigFile(name string) bool {
	base := filepath.Base(name)
	return base == filepath.Base(ConfigPath(w.homeDir)) || base == filepath.Base(TOMLConfigPath(w.homeDir))
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		timer := time.NewTimer(w.debounce)
		timer.Stop()
		defer timer.Stop()
		pending := ""

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !w.isConfigFile(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = ev.Name
				timer.Reset(w.debounce)
			case <-timer.C:
				if pending == "" {
					continue
				}
				w.logger.Info("config file changed", "path", pending)
				select {
				case w.events <- ReloadEvent{Path: pending}:
				default:
					// a reload is already queued and will read the latest file
				}
				pending = ""
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
