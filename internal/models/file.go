package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FileRecord is the latest version of a logical file path.
type FileRecord struct {
	Path        string    `json:"path"`
	File        string    `json:"file"`
	FileVersion string    `json:"file_version"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StoredPath addresses one immutable version of a blob.
type StoredPath struct {
	Path    string `json:"path"`
	Version int    `json:"version"`
}

// String renders the stored path as "<path>@v<version>".
func (p StoredPath) String() string {
	return fmt.Sprintf("%s@v%d", p.Path, p.Version)
}

// Tag returns the version tag, e.g. "v3".
func (p StoredPath) Tag() string {
	return "v" + strconv.Itoa(p.Version)
}

// ParseStoredPath is the inverse of StoredPath.String.
func ParseStoredPath(s string) (StoredPath, error) {
	i := strings.LastIndex(s, "@v")
	if i <= 0 {
		return StoredPath{}, fmt.Errorf("stored path %q: missing version", s)
	}
	v, err := strconv.Atoi(s[i+2:])
	if err != nil || v < 1 {
		return StoredPath{}, fmt.Errorf("stored path %q: bad version", s)
	}
	return StoredPath{Path: s[:i], Version: v}, nil
}

// BlobVersion describes one stored version of a logical path.
type BlobVersion struct {
	StoredPath
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
