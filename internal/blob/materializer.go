// Package blob implements the file materializer: a versioned, path-addressable
// blob area on the local file system.
package blob

import (
	"context"

	"github.com/gabriel-vasile/mimetype"

	"github.com/starford/rhizocam/internal/models"
)

// Materializer stores payloads under logical paths and keeps every version.
type Materializer interface {
	// Store writes payload as the next version of suggestedPath.
	Store(ctx context.Context, payload []byte, suggestedPath string) (models.StoredPath, error)
	// Retrieve returns the bytes of one stored version.
	Retrieve(ctx context.Context, p models.StoredPath) ([]byte, error)
	// Versions lists all stored versions of path, oldest first.
	Versions(path string) ([]models.BlobVersion, error)
	// Latest returns the newest stored version of path.
	Latest(path string) (models.StoredPath, error)
}

// Verify *FS satisfies Materializer at compile time.
var _ Materializer = (*FS)(nil)

// DetectContentType sniffs the MIME type of payload.
func DetectContentType(payload []byte) string {
	return mimetype.Detect(payload).String()
}
