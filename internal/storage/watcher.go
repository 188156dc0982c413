package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeLog abstracts the change-log reads the Watcher needs.
// Implemented by Store.
type ChangeLog interface {
	LatestSeq(ctx context.Context) (int64, error)
	ChangesSince(ctx context.Context, after int64, excludeOrigin string) ([]Change, error)
}

// Watcher tails a ChangeLog and delivers changes from other origins.
// It polls at a fixed interval and, when WakeOnWrite is set, also wakes as
// soon as the database files in the directory are written.
type Watcher struct {
	log     ChangeLog
	origin  string
	poll    time.Duration
	wakeDir string
	cursor  int64
	logger  *slog.Logger
}

// NewWatcher creates a Watcher that skips changes stamped with origin.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWatcher(log ChangeLog, origin string, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Watcher{
		log:    log,
		origin: origin,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// WakeOnWrite makes Run react to filesystem writes in dir in addition to polling.
func (w *Watcher) WakeOnWrite(dir string) {
	w.wakeDir = dir
}

// Run delivers changes until ctx is cancelled. The cursor starts at the
// current end of the log, so only changes committed after Run starts are seen.
func (w *Watcher) Run(ctx context.Context, fn func(Change)) error {
	seq, err := w.log.LatestSeq(ctx)
	if err != nil {
		return fmt.Errorf("reading change log head: %w", err)
	}
	w.cursor = seq

	wake := w.startFileWakeups(ctx)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}

		if _, err := w.RunOnce(ctx, fn); err != nil && ctx.Err() == nil {
			w.logger.Error("storage watch iteration failed", "error", err)
		}
	}
}

// RunOnce reads and delivers pending changes. Returns how many were delivered.
func (w *Watcher) RunOnce(ctx context.Context, fn func(Change)) (int, error) {
	changes, err := w.log.ChangesSince(ctx, w.cursor, w.origin)
	if err != nil {
		return 0, err
	}
	for _, c := range changes {
		w.cursor = c.Seq
		fn(c)
	}
	return len(changes), nil
}

// startFileWakeups returns a channel that receives when the watched
// database files change. A nil channel (polling only) is returned when no
// directory is set or the OS watcher cannot be created.
func (w *Watcher) startFileWakeups(ctx context.Context) <-chan struct{} {
	if w.wakeDir == "" {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file watcher unavailable, polling only", "error", err)
		return nil
	}
	if err := fw.Add(w.wakeDir); err != nil {
		w.logger.Warn("watching data directory failed, polling only", "dir", w.wakeDir, "error", err)
		fw.Close()
		return nil
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), dbFileName) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("file watcher error", "error", err)
			}
		}
	}()
	return wake
}
