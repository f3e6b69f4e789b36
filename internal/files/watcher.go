package files

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 200 * time.Millisecond

// Watch records new versions of files written under dir until ctx is
// cancelled. Writes are debounced so that a file saved in several chunks
// becomes a single version. Renames trigger a full Sync pass.
//
// New directories created at runtime are automatically added to the watch list.
func (l *Library) Watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, dir); err != nil {
		return err
	}
	l.logger.Info("watcher: started", slog.String("root", dir))

	pending := make(map[string]struct{})
	resync := false
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			timerCh = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			l.logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			timer, timerCh = nil, nil
			if resync {
				resync = false
				clear(pending)
				if _, err := l.Sync(ctx, dir); err != nil {
					l.logger.Warn("watcher: resync failed", slog.String("error", err.Error()))
				}
				continue
			}
			for p := range pending {
				l.importFile(ctx, dir, p)
			}
			clear(pending)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if hidden(filepath.Base(ev.Name)) {
				continue
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						l.logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					// Files may have landed before the watch was added.
					resync = true
					schedule()
					continue
				}
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				pending[ev.Name] = struct{}{}
				schedule()
			case ev.Op&fsnotify.Rename != 0:
				resync = true
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func (l *Library) importFile(ctx context.Context, root, abs string) {
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	data, err := os.ReadFile(abs)
	if err != nil {
		l.logger.Warn("watcher: read failed", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	if _, _, err := l.Put(ctx, rel, data); err != nil {
		l.logger.Warn("watcher: put failed", slog.String("path", rel), slog.String("error", err.Error()))
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && hidden(d.Name()) {
				return filepath.SkipDir
			}
			return w.Add(path)
		}
		return nil
	})
}
