package store

import (
	"context"
	"fmt"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/models"
)

// Records is the collection-generic face of the store.
// Consumers should depend on this interface rather than the concrete *DB type.
type Records interface {
	Insert(ctx context.Context, record any) error
	InsertRow(ctx context.Context, collection string, row Row) error
	Get(ctx context.Context, collection, key string) (any, error)
	Exists(ctx context.Context, collection, key string) (bool, error)
}

// Verify *DB satisfies Records at compile time.
var _ Records = (*DB)(nil)

// Insert stores a typed record in its collection.
// Images are insert-if-absent: a duplicate returns apperr.ErrAlreadyExists.
// Files are upserted by path.
func (db *DB) Insert(ctx context.Context, record any) error {
	switch r := record.(type) {
	case *models.ImageRecord:
		inserted, err := db.InsertImage(ctx, r)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("store: image %q: %w", r.MessageIdentifier, apperr.ErrAlreadyExists)
		}
		return nil
	case *models.FileRecord:
		_, err := db.UpsertFile(ctx, r)
		return err
	default:
		return fmt.Errorf("store: %w: unsupported record type %T", apperr.ErrSchemaViolation, record)
	}
}

// InsertRow checks an untyped row against the collection schema and inserts it.
func (db *DB) InsertRow(ctx context.Context, collection string, row Row) error {
	if err := checkRow(collection, row); err != nil {
		return err
	}
	switch collection {
	case CollectionImages:
		return db.Insert(ctx, imageFromRow(row))
	case CollectionFiles:
		return db.Insert(ctx, fileFromRow(row))
	}
	return violation(collection, "unknown collection")
}

// Get returns the record keyed by key: message identifier for images, path for files.
func (db *DB) Get(ctx context.Context, collection, key string) (any, error) {
	switch collection {
	case CollectionImages:
		return db.GetImage(ctx, key)
	case CollectionFiles:
		return db.GetFile(ctx, key)
	}
	return nil, violation(collection, "unknown collection")
}

// Exists reports whether key is present in collection.
func (db *DB) Exists(ctx context.Context, collection, key string) (bool, error) {
	switch collection {
	case CollectionImages:
		return db.ImageExists(ctx, key)
	case CollectionFiles:
		return db.FileExists(ctx, key)
	}
	return false, violation(collection, "unknown collection")
}
