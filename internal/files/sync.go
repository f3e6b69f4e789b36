package files

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/rhizocam/internal/checksum"
)

// SyncStats summarizes a Sync pass.
type SyncStats struct {
	Scanned   int
	Versioned int
	Failed    int
}

// Sync walks dir and records a new version for every file whose content
// differs from its current record. Files missing from disk keep their
// records and history.
func (l *Library) Sync(ctx context.Context, dir string) (SyncStats, error) {
	var stats SyncStats
	known, err := l.db.FileChecksums(ctx)
	if err != nil {
		return stats, err
	}

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if hidden(d.Name()) && p != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		stats.Scanned++

		data, err := os.ReadFile(p)
		if err != nil {
			stats.Failed++
			l.logger.Warn("sync: read failed", slog.String("path", rel), slog.String("error", err.Error()))
			return nil
		}
		if known[rel] == checksum.Sum(data) {
			return nil
		}
		if _, changed, err := l.Put(ctx, rel, data); err != nil {
			stats.Failed++
			l.logger.Warn("sync: put failed", slog.String("path", rel), slog.String("error", err.Error()))
		} else if changed {
			stats.Versioned++
			l.logger.Debug("sync: versioned", slog.String("path", rel))
		}
		return nil
	})
	return stats, err
}

// hidden reports dot-files and editor temp files, which are never synced.
func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}
