// Package testutil provides shared test helpers for setting up record stores,
// blob areas and camera messages.
package testutil

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/starford/rhizocam/internal/blob"
	"github.com/starford/rhizocam/internal/store"
)

// TestDB creates a temporary, migrated SQLite record store that is automatically cleaned up.
func TestDB(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "rhizocam-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() {
		os.Remove(dbFile.Name())
		os.Remove(dbFile.Name() + "-wal")
		os.Remove(dbFile.Name() + "-shm")
	})

	db, err := store.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestBlobs creates a temporary blob area.
func TestBlobs(t *testing.T) (string, *blob.FS) {
	t.Helper()
	root := t.TempDir()
	fs, err := blob.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	return root, fs
}

// JPEG is a minimal JPEG header followed by marker bytes unique to seed.
func JPEG(seed string) []byte {
	b := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	b = append(b, seed...)
	return append(b, 0xFF, 0xD9)
}

// ImageReply builds a getValueReply carrying image as a camera would send it.
func ImageReply(t *testing.T, sender, identifier string, takenAt int64, image []byte) []byte {
	t.Helper()
	msg := map[string]any{
		"messageType":       "getValueReply",
		"sender":            sender,
		"identifier":        identifier,
		"receivers":         []string{"s3i:rhizocam"},
		"replyingToMessage": "s3i:request",
		"value": map[string]any{
			"type":    "b64 jpeg",
			"path":    "/home/pi/images/" + identifier + ".jpg",
			"takenAt": takenAt,
			"image":   base64.StdEncoding.EncodeToString(image),
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// LogBuffer is a concurrency-safe log sink.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Logger returns a debug-level JSON logger writing to a fresh LogBuffer.
func Logger() (*slog.Logger, *LogBuffer) {
	buf := &LogBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
