package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/models"
)

const imageColumns = `message_identifier, camera_identifier, taken_at, sent_at, received_at, path, rhizotron_number, source_path`

// InsertImage inserts r unless a row with the same message identifier exists.
// It reports whether a row was written; the check and the write are one statement.
func (db *DB) InsertImage(ctx context.Context, r *models.ImageRecord) (bool, error) {
	if err := validateImage(r); err != nil {
		return false, err
	}
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO images (`+imageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_identifier) DO NOTHING
	`, r.MessageIdentifier, r.CameraIdentifier,
		formatTime(r.TakenAt), formatTime(r.SentAt), formatTime(r.ReceivedAt),
		r.Path, r.RhizotronNumber, r.SourcePath)
	if err != nil {
		return false, fmt.Errorf("store: insert image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: insert image: %w", err)
	}
	return n == 1, nil
}

// GetImage returns the image with the given message identifier.
func (db *DB) GetImage(ctx context.Context, messageIdentifier string) (*models.ImageRecord, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE message_identifier = ?`, messageIdentifier)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: image %q: %w", messageIdentifier, apperr.ErrNotFound)
	}
	return img, err
}

// ImageExists reports whether an image with the given message identifier is stored.
func (db *DB) ImageExists(ctx context.Context, messageIdentifier string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx,
		`SELECT 1 FROM images WHERE message_identifier = ?`, messageIdentifier).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: image exists: %w", err)
	}
	return true, nil
}

// ListImages returns images ordered by receive time, newest first.
func (db *DB) ListImages(ctx context.Context, f models.ImageFilter) ([]models.ImageRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + imageColumns + ` FROM images`
	var args []any
	if f.CameraIdentifier != "" {
		query += ` WHERE camera_identifier = ?`
		args = append(args, f.CameraIdentifier)
	}
	query += ` ORDER BY received_at DESC, message_identifier ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list images: %w", err)
	}
	defer rows.Close()

	var out []models.ImageRecord
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

// CountImages counts stored images, optionally for one camera.
func (db *DB) CountImages(ctx context.Context, cameraIdentifier string) (int, error) {
	var n int
	var err error
	if cameraIdentifier == "" {
		err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	} else {
		err = db.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM images WHERE camera_identifier = ?`, cameraIdentifier).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("store: count images: %w", err)
	}
	return n, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanImage(row scannable) (*models.ImageRecord, error) {
	img := &models.ImageRecord{}
	var taken, sent, received string
	err := row.Scan(&img.MessageIdentifier, &img.CameraIdentifier, &taken, &sent, &received,
		&img.Path, &img.RhizotronNumber, &img.SourcePath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan image: %w", err)
	}
	if img.TakenAt, err = parseTime(taken); err != nil {
		return nil, err
	}
	if img.SentAt, err = parseTime(sent); err != nil {
		return nil, err
	}
	if img.ReceivedAt, err = parseTime(received); err != nil {
		return nil, err
	}
	return img, nil
}
