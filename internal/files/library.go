// Package files maintains the files collection: versioned documents whose
// bytes live in the blob area and whose current version is recorded in the
// record store.
package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/blob"
	"github.com/starford/rhizocam/internal/checksum"
	"github.com/starford/rhizocam/internal/metrics"
	"github.com/starford/rhizocam/internal/models"
)

// Store is the part of the record store the library uses.
type Store interface {
	UpsertFile(ctx context.Context, r *models.FileRecord) (bool, error)
	GetFile(ctx context.Context, path string) (*models.FileRecord, error)
	ListFiles(ctx context.Context) ([]models.FileRecord, error)
	FileChecksums(ctx context.Context) (map[string]string, error)
}

// VersionCallback is called after a new file version has been recorded.
type VersionCallback func(rec models.FileRecord)

// Library stores files as versioned blobs and keeps their records current.
type Library struct {
	db        Store
	blobs     blob.Materializer
	logger    *slog.Logger
	now       func() time.Time
	onVersion VersionCallback
}

// BlobPrefix namespaces file blobs away from image blobs in the shared blob area.
const BlobPrefix = "files"

// Option configures a Library.
type Option func(*Library)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option { return func(lib *Library) { lib.logger = l } }

// WithOnVersion registers cb for every new version.
func WithOnVersion(cb VersionCallback) Option { return func(lib *Library) { lib.onVersion = cb } }

// New returns a Library recording files in db and their bytes in blobs.
func New(db Store, blobs blob.Materializer, opts ...Option) *Library {
	lib := &Library{db: db, blobs: blobs, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(lib)
	}
	return lib
}

// Put records data as the content of path. Content identical to the current
// version is not stored again; the current record is returned with changed=false.
func (l *Library) Put(ctx context.Context, path string, data []byte) (rec *models.FileRecord, changed bool, err error) {
	path = blob.CleanPath(path)
	bp, err := blobPath(path)
	if err != nil {
		return nil, false, fmt.Errorf("files: put: %w", err)
	}
	sum := checksum.Sum(data)

	cur, err := l.db.GetFile(ctx, path)
	switch {
	case err == nil && cur.Checksum == sum:
		return cur, false, nil
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return nil, false, fmt.Errorf("files: put %s: %w", path, err)
	}

	sp, err := l.blobs.Store(ctx, data, bp)
	if err != nil {
		return nil, false, fmt.Errorf("files: put %s: %w", path, err)
	}
	metrics.BlobBytes.Add(float64(len(data)))

	rec = &models.FileRecord{
		Path:        path,
		File:        sp.String(),
		FileVersion: sp.Tag(),
		Checksum:    sum,
		Size:        int64(len(data)),
		ContentType: blob.DetectContentType(data),
		UpdatedAt:   l.now().UTC(),
	}
	applied, err := l.db.UpsertFile(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("files: put %s: %w", path, err)
	}
	if !applied {
		// A concurrent Put recorded a newer version first.
		cur, err := l.db.GetFile(ctx, path)
		if err != nil {
			return nil, false, fmt.Errorf("files: put %s: %w", path, err)
		}
		return cur, false, nil
	}

	metrics.FileVersions.Inc()
	l.logger.Info("files: new version",
		slog.String("path", rec.Path),
		slog.String("version", rec.FileVersion),
		slog.Int64("size", rec.Size))
	if l.onVersion != nil {
		l.onVersion(*rec)
	}
	return rec, true, nil
}

// Get returns the current record of path.
func (l *Library) Get(ctx context.Context, path string) (*models.FileRecord, error) {
	return l.db.GetFile(ctx, blob.CleanPath(path))
}

// Read returns the bytes of one version of path; version 0 means the current one.
func (l *Library) Read(ctx context.Context, path string, version int) ([]byte, error) {
	path = blob.CleanPath(path)
	if version == 0 {
		rec, err := l.db.GetFile(ctx, path)
		if err != nil {
			return nil, err
		}
		sp, err := models.ParseStoredPath(rec.File)
		if err != nil {
			return nil, fmt.Errorf("files: %s: %w", path, err)
		}
		return l.blobs.Retrieve(ctx, sp)
	}
	bp, err := blobPath(path)
	if err != nil {
		return nil, fmt.Errorf("files: %s: %w", path, err)
	}
	return l.blobs.Retrieve(ctx, models.StoredPath{Path: bp, Version: version})
}

// Versions lists every stored version of path, oldest first.
func (l *Library) Versions(path string) ([]models.BlobVersion, error) {
	bp, err := blobPath(blob.CleanPath(path))
	if err != nil {
		return nil, fmt.Errorf("files: %s: %w", path, err)
	}
	return l.blobs.Versions(bp)
}

// blobPath maps a cleaned file path into the files namespace. Paths leaving
// the namespace are rejected.
func blobPath(path string) (string, error) {
	if path == "." || path == ".." || strings.HasPrefix(path, "../") || strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("path escapes the files collection: %s", path)
	}
	return BlobPrefix + "/" + path, nil
}

// List returns the current record of every file.
func (l *Library) List(ctx context.Context) ([]models.FileRecord, error) {
	return l.db.ListFiles(ctx)
}
