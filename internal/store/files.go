package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/models"
)

const fileColumns = `path, file, file_version, checksum, size, content_type, updated_at`

// UpsertFile records r as the current version of its path.
// A write carrying an older version than the stored one is not applied;
// the returned bool reports whether the row changed.
func (db *DB) UpsertFile(ctx context.Context, r *models.FileRecord) (bool, error) {
	if err := validateFile(r); err != nil {
		return false, err
	}
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			file         = excluded.file,
			file_version = excluded.file_version,
			checksum     = excluded.checksum,
			size         = excluded.size,
			content_type = excluded.content_type,
			updated_at   = excluded.updated_at
		WHERE CAST(substr(excluded.file_version, 2) AS INTEGER) > CAST(substr(files.file_version, 2) AS INTEGER)
	`, r.Path, r.File, r.FileVersion, r.Checksum, r.Size, r.ContentType, formatTime(r.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("store: upsert file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: upsert file: %w", err)
	}
	return n == 1, nil
}

// GetFile returns the current record of a logical path.
func (db *DB) GetFile(ctx context.Context, path string) (*models.FileRecord, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: file %q: %w", path, apperr.ErrNotFound)
	}
	return f, err
}

// FileExists reports whether a record exists for path.
func (db *DB) FileExists(ctx context.Context, path string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, `SELECT 1 FROM files WHERE path = ?`, path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: file exists: %w", err)
	}
	return true, nil
}

// ListFiles returns every file record ordered by path.
func (db *DB) ListFiles(ctx context.Context) ([]models.FileRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+fileColumns+` FROM files ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("store: list files: %w", err)
	}
	defer rows.Close()

	var out []models.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// FileChecksums maps every recorded path to the checksum of its current version.
func (db *DB) FileChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT path, checksum FROM files`)
	if err != nil {
		return nil, fmt.Errorf("store: file checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var p, cs string
		if err := rows.Scan(&p, &cs); err != nil {
			return nil, err
		}
		out[p] = cs
	}
	return out, rows.Err()
}

func scanFile(row scannable) (*models.FileRecord, error) {
	f := &models.FileRecord{}
	var updated string
	err := row.Scan(&f.Path, &f.File, &f.FileVersion, &f.Checksum, &f.Size, &f.ContentType, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan file: %w", err)
	}
	if f.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return f, nil
}
